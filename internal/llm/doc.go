// Package llm defines the text generation capability used by the agent and
// the prompt layout shared by every provider adapter. Replies are returned as
// raw text; turning them into instructions is the parser's job.
package llm
