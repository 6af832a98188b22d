// Package mysql provides repositories and data access helpers backed by
// MySQL. It encapsulates schema migrations, pooled connections, and strongly
// typed queries for persisting conversation history.
package mysql
