// Package kv provides implementations of the shared key-value store
// collaborator (core.KVStore): a volatile in-memory store for tests and
// single-process deployments, and a SQLite-backed store for restart
// survival and cross-process sharing.
package kv
