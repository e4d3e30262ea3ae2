// Package worker provides Worker implementations: ModelWorker, a
// domain-specialized worker that self-scores against judgments and answers
// through the external text-generation capability, and FuncWorker, a
// closure-backed worker for tests and examples.
package worker
