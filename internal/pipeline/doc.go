// Package pipeline contains the core orchestrator that turns a user question
// into an answer through a staged workflow: rephrase the question, retrieve
// context from the tool backends, generate the answer, then summarize it.
// It coordinates the LLM, the tool registry, the response cache, and the
// conversation history.
package pipeline
