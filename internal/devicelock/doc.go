// Package devicelock implements the device-lock flow engine: the state
// machine behind unlocking the screen, plus the lock-state driver fed by the
// platform's lock policy and the automatic-locking idle timer. It is a
// narrower machine than the authenticator's, layered on the same credential
// backend vocabulary, with one extra wrinkle: a code flagged expired during
// unlock forces a code change before the unlock is granted.
package devicelock
