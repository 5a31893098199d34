// Package bus carries the daemon's client protocol over a unix socket:
// newline-delimited JSON frames, requests dispatched to registered object
// methods, signals pushed back over the same connection. Each connection is
// one client process; dropping it fans a disconnect out through the session
// registry so owned flows are canceled.
package bus
