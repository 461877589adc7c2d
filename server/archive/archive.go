// Package archive defines an interface which must be implemented by mirrors of message
// history chunks. A mirror keeps a copy of every history chunk uploaded to the network,
// keyed by the chunk's reference, so topic history can be restored when the network
// can't serve the chunk.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
)

// ErrNotFound is returned when the mirror has no copy of the chunk.
var ErrNotFound = errors.New("archive: not found")

// ErrInvalidRef is returned for references which are not hex encoded Swarm addresses.
var ErrInvalidRef = errors.New("archive: invalid reference")

// Handler is an interface which must be implemented by archive handlers.
type Handler interface {
	// Init initializes the handler.
	Init(jsconf json.RawMessage) error

	// Put stores a copy of the chunk.
	Put(ctx context.Context, ref string, data []byte) error

	// Get returns the stored copy of the chunk or ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Plain or encrypted reference.
var refPattern = regexp.MustCompile(`^([0-9a-f]{64}|[0-9a-f]{128})$`)

// ValidRef checks that ref is safe to use as a file name or an object key.
func ValidRef(ref string) error {
	if !refPattern.MatchString(ref) {
		return ErrInvalidRef
	}
	return nil
}

var handlers map[string]Handler

// Register an archive handler.
func Register(name string, hnd Handler) {
	if handlers == nil {
		handlers = make(map[string]Handler)
	}

	if hnd == nil {
		panic("Register: archive handler is nil")
	}
	if _, dup := handlers[name]; dup {
		panic("Register: called twice for handler " + name)
	}
	handlers[name] = hnd
}

// Open initializes the named handler. Returns nil if name is empty.
func Open(name string, jsconf json.RawMessage) (Handler, error) {
	if name == "" {
		return nil, nil
	}
	hnd := handlers[name]
	if hnd == nil {
		return nil, errors.New("archive: unknown handler '" + name + "'")
	}
	if err := hnd.Init(jsconf); err != nil {
		return nil, errors.New("archive: " + name + ": " + err.Error())
	}
	return hnd, nil
}
