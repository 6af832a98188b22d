// Package api exposes the external HTTP surface: synchronous and streaming
// chat, asynchronous task submission and inspection, and conversation
// history. Responses are JSON except for streaming chat, which uses
// server-sent events.
package api
