// Package llm contains adapters for invoking large language models. It
// abstracts away provider-specific APIs and normalizes blocking and streaming
// request/response lifecycles for use within the query pipeline.
package llm
