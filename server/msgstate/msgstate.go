// Package msgstate keeps a rolling, size-bounded history of recent messages of a
// topic and uploads it as a chain of snapshots.
//
// Every applied message re-uploads the current generation of the history. When the
// serialized history would exceed the size limit, a new generation is started which
// holds just the latest message, and a new reference is appended to the chain.
package msgstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultMaxSize is the default limit on a serialized history snapshot, 10 MiB.
const DefaultMaxSize = 10 * 1024 * 1024

// StateRef points to an uploaded history snapshot.
type StateRef struct {
	// Hex-encoded content reference.
	Reference string `json:"reference"`
	// Unix time in milliseconds when the snapshot was uploaded.
	Timestamp int64 `json:"timestamp"`
}

// Uploader stores a blob and returns its content reference.
type Uploader interface {
	UploadBlob(ctx context.Context, data []byte) (string, error)
}

// Mirror receives a copy of every uploaded snapshot. Could be nil.
type Mirror func(ref string, data []byte)

// State is the history of one topic. It's not safe for concurrent use: it's only
// touched by the goroutine which serializes writes to the topic.
type State struct {
	maxSize int
	now     func() time.Time

	buffer []json.RawMessage
	refs   []StateRef
}

// New creates an empty state with the given snapshot size limit.
func New(maxSize int) *State {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &State{maxSize: maxSize, now: time.Now}
}

// Restore replaces the content of the state with recovered history.
func (s *State) Restore(buffer []json.RawMessage, refs []StateRef) {
	s.buffer = buffer
	s.refs = refs
}

// Buffer returns messages of the current generation.
func (s *State) Buffer() []json.RawMessage {
	return s.buffer
}

// Refs returns the reference chain.
func (s *State) Refs() []StateRef {
	return s.refs
}

// Apply adds msg to the history, uploads the resulting snapshot and returns the
// updated reference chain. The second return value reports if a new generation was
// started. The state is left unchanged if the upload fails.
func (s *State) Apply(ctx context.Context, up Uploader, msg json.RawMessage, mirror Mirror) ([]StateRef, bool, error) {
	if len(msg) == 0 {
		return nil, false, errors.New("msgstate: empty message")
	}

	buffer := make([]json.RawMessage, len(s.buffer), len(s.buffer)+1)
	copy(buffer, s.buffer)
	buffer = append(buffer, msg)

	data, err := json.Marshal(buffer)
	if err != nil {
		return nil, false, err
	}

	spill := len(data) > s.maxSize
	if spill {
		// Start a new generation which contains the new message only.
		buffer = []json.RawMessage{msg}
		if data, err = json.Marshal(buffer); err != nil {
			return nil, false, err
		}
	}

	ref, err := up.UploadBlob(ctx, data)
	if err != nil {
		return nil, false, err
	}
	if mirror != nil {
		mirror(ref, data)
	}

	newRef := StateRef{Reference: ref, Timestamp: s.now().UnixMilli()}
	if len(s.refs) == 0 {
		s.refs = append(s.refs, newRef)
	} else {
		latest := latestIndex(s.refs)
		// Timestamps must grow strictly, otherwise the current generation becomes ambiguous.
		if newRef.Timestamp <= s.refs[latest].Timestamp {
			newRef.Timestamp = s.refs[latest].Timestamp + 1
		}
		if spill {
			s.refs = append(s.refs, newRef)
		} else {
			s.refs[latest] = newRef
		}
	}
	s.buffer = buffer

	return s.refs, spill, nil
}

// Latest returns the reference with the greatest timestamp. The first one wins on ties.
func Latest(refs []StateRef) (StateRef, bool) {
	if len(refs) == 0 {
		return StateRef{}, false
	}
	return refs[latestIndex(refs)], true
}

func latestIndex(refs []StateRef) int {
	idx := 0
	for i := 1; i < len(refs); i++ {
		if refs[i].Timestamp > refs[idx].Timestamp {
			idx = i
		}
	}
	return idx
}
