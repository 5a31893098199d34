// Package store provides persistence for the devicelock daemon: policy
// values, credential hashes with reuse history, attempt counters, and
// enrolled fingerprints. The attempt counter and policy values are long-lived
// and shared across all flows; they must survive daemon restarts.
package store
