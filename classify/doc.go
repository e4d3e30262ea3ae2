// Package classify turns free-form user text into a structured judgment of
// what the request needs, using the external structured-generation
// capability. Classification is cached on (text, recent-context
// fingerprint) so repeated utterances in an unchanged conversation never
// pay for a second upstream call.
//
// Upstream and parse failures are recovered locally into a fallback
// judgment; Classify never returns an error and never blocks beyond the
// configured upstream timeout.
package classify
