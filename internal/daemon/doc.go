// Package daemon is the composition root: it builds the store, the
// credential backend, the authorizable objects and their engines, wires the
// fingerprint subsystem into the authenticator, and exposes everything over
// the bus socket.
package daemon
