// Package config provides centralized configuration management for the
// AgentFlow runtime, covering the API server, LLM access, storage backends,
// queueing, caching, and the query pipeline. Configuration is loaded from a
// JSON file with sensible defaults applied for omitted fields.
package config
