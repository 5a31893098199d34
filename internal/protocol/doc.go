// Package protocol defines the vocabulary shared between the daemon's
// authorizable objects and their clients: authentication methods, feedback
// and error kinds, availability, and the client signal interface.
package protocol
