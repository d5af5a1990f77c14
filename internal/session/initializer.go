// Package session prepares what a client needs to start a session once
// the handshake completed: the server init message.
package session

import (
	"sync"
)

// Initializer holds the server init payload for one connection. The zero
// value is an empty initializer ready to use. This struct is concurrency safe.
type Initializer struct {
	mu      sync.Mutex
	payload []byte
}

// Set stores a copy of the given payload.
func (i *Initializer) Set(payload []byte) {
	defer i.mu.Unlock()
	i.mu.Lock()
	i.payload = append([]byte{}, payload...)
}

// IsSet returns whether a non-empty payload is available.
func (i *Initializer) IsSet() bool {
	defer i.mu.Unlock()
	i.mu.Lock()
	return len(i.payload) > 0
}

// Payload returns a copy of the payload.
func (i *Initializer) Payload() []byte {
	defer i.mu.Unlock()
	i.mu.Lock()
	return append([]byte{}, i.payload...)
}
