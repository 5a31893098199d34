// ABOUTME: Resolves challenge codes across every authorizer in the daemon.
// ABOUTME: Lets the flow engine authenticate challenges issued by other objects.

package authorization

import (
	"sync"

	"github.com/halcyonos/devicelock/internal/protocol"
)

// Directory is the set of all authorizers in a daemon. Dependent subsystems
// issue challenges from their own authorizer; the flow engine resolves a
// presented challenge through the directory so the token it mints is honored
// by the object that issued the challenge.
type Directory struct {
	mu   sync.Mutex
	list []*Authorizer
}

// NewDirectory creates a directory over the given authorizers.
func NewDirectory(authorizers ...*Authorizer) *Directory {
	return &Directory{list: authorizers}
}

// Add registers another authorizer.
func (d *Directory) Add(a *Authorizer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.list = append(d.list, a)
}

func (d *Directory) authorizers() []*Authorizer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Authorizer(nil), d.list...)
}

// Resolve returns the live challenge with the given code held by client, and
// the authorizer that issued it. Both are nil when no authorizer knows the
// code for this client.
func (d *Directory) Resolve(client protocol.Client, code string) (*Authorizer, *Challenge) {
	for _, a := range d.authorizers() {
		if ch := a.ChallengeFor(client); ch != nil && ch.Code == code {
			return a, ch
		}
	}
	return nil, nil
}

// Lookup returns the live challenge with the given code regardless of who
// holds it, and the authorizer that issued it.
func (d *Directory) Lookup(code string) (*Authorizer, *Challenge) {
	for _, a := range d.authorizers() {
		if ch := a.Lookup(code); ch != nil {
			return a, ch
		}
	}
	return nil, nil
}
