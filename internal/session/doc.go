// Package session tracks which clients are attached to each authorizable
// object, which one owns the object's flow, and the input-relay registration
// stack used by prompt-presenting front ends. A connection dropping is fanned
// out to every object so owned flows are canceled like an explicit cancel.
package session
