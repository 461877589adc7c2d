// Package notify contains interfaces to be implemented by feed write notification plugins.
// Every successful feed write produces an Event which is offered to all ready handlers.
package notify

import (
	"encoding/json"
	"errors"
	"time"
)

// Event describes a successful feed write.
type Event struct {
	// Topic the message was written to.
	Topic string `json:"topic"`
	// Index of the feed update.
	Index uint64 `json:"index"`
	// Reference of the feed update returned by the node.
	Reference string `json:"reference"`
	// Stream the message belongs to, if any.
	StreamID string `json:"stream_id,omitempty"`
	// URL of the node which accepted the write.
	Node string `json:"node,omitempty"`
	// Time of the write.
	Timestamp time.Time `json:"ts"`
}

// Handler is an interface which must be implemented by handlers.
type Handler interface {
	// Init initializes the handler. Returns true if the handler is enabled.
	Init(jsonconf json.RawMessage) (bool, error)

	// IsReady сhecks if the handler is initialized.
	IsReady() bool

	// Events returns a channel that the server will use to send events to.
	// The event will be dropped if the channel blocks.
	Events() chan<- *Event

	// Stop terminates the handler's worker.
	Stop()
}

type configType struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

var handlers map[string]Handler

// Register a notification handler.
func Register(name string, hnd Handler) {
	if handlers == nil {
		handlers = make(map[string]Handler)
	}

	if hnd == nil {
		panic("Register: notification handler is nil")
	}
	if _, dup := handlers[name]; dup {
		panic("Register: called twice for handler " + name)
	}
	handlers[name] = hnd
}

// Init initializes registered handlers. Returns names of the enabled handlers.
func Init(jsconfig json.RawMessage) ([]string, error) {
	if len(jsconfig) == 0 {
		return nil, nil
	}

	var config []configType
	if err := json.Unmarshal(jsconfig, &config); err != nil {
		return nil, errors.New("failed to parse config: " + err.Error())
	}

	var enabled []string
	for _, cc := range config {
		if hnd := handlers[cc.Name]; hnd != nil {
			if ok, err := hnd.Init(cc.Config); err != nil {
				return nil, errors.New(cc.Name + ": " + err.Error())
			} else if ok {
				enabled = append(enabled, cc.Name)
			}
		}
	}

	return enabled, nil
}

// Send offers the event to all ready handlers.
func Send(ev *Event) {
	if handlers == nil {
		return
	}

	for _, hnd := range handlers {
		if !hnd.IsReady() {
			continue
		}

		// Send without delay or skip
		select {
		case hnd.Events() <- ev:
		default:
		}
	}
}

// Stop all handlers.
func Stop() {
	if handlers == nil {
		return
	}

	for _, hnd := range handlers {
		if hnd.IsReady() {
			// Will potentially block
			hnd.Stop()
		}
	}
}
