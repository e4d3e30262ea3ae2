// Package model defines the external generation and embedding capabilities
// the pipeline consumes: free-text generation (worker replies, multi-worker
// synthesis), structured generation (classification judgments) and text
// embedding (similarity cache keys).
//
// Provider adapters live in subpackages (model/openai, model/anthropic); a
// scriptable Mock covering all three capabilities ships alongside the
// interfaces for tests and examples.
package model
