// Package backend defines the credential backend contract consumed by the
// flow engines, and its two implementations: the in-process native backend
// (argon2id hashes in the sqlite store) and the out-of-process command
// backend (a platform helper binary described by a TOML manifest).
//
// Results are tagged CheckResult values rather than overloaded integers, and
// every operation returns a future-style Call so slow backends surface as
// the engines' Evaluating state.
package backend
