// Package core contains the shared data model and service interfaces of the
// ConvoRoute pipeline: sessions and their turn history, classification
// judgments, worker descriptors and the Worker contract, dispatch outcomes,
// and the store abstractions (context store, shared key-value store) the
// higher-level packages are composed from.
//
// The package is intentionally dependency-light so every other package can
// import it without cycles. Concrete implementations live in their own
// packages (session, kv, registry, dispatch, ...).
package core
