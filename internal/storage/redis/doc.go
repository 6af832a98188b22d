// Package redis offers the caching primitives used by the query pipeline:
// per-tool retrieval caches and whole-answer caches with TTL expiry. A Redis
// backed implementation serves clustered deployments; an in-memory
// implementation serves tests and single-node runs.
package redis
