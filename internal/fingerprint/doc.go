// Package fingerprint implements the fingerprint settings subsystem: the
// enrolled-print records, the enroll flow driven by a hardware sensor's
// acquisition events, and the verify loop that feeds successful matches to
// the authenticator. Mutating operations are privileged and demand an
// authentication token.
package fingerprint
