// Package stdout is a sample implementation of a notification plugin.
// If enabled, it writes every event to stdout as a line of JSON.
package stdout

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinode/swarmagg/server/notify"
)

var handler stdoutNotify

// How much to buffer the input channel.
const defaultBuffer = 32

type stdoutNotify struct {
	initialized bool
	out         io.Writer
	input       chan *notify.Event
	stop        chan bool
	done        chan bool
}

type configType struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer"`
}

// Init initializes the handler
func (*stdoutNotify) Init(jsonconf json.RawMessage) (bool, error) {
	// Check if the handler is already initialized
	if handler.initialized {
		return false, errors.New("already initialized")
	}

	var config configType
	if err := json.Unmarshal([]byte(jsonconf), &config); err != nil {
		return false, errors.New("failed to parse config: " + err.Error())
	}

	handler.initialized = true

	if !config.Enabled {
		return false, nil
	}

	if config.Buffer <= 0 {
		config.Buffer = defaultBuffer
	}
	if handler.out == nil {
		handler.out = os.Stdout
	}

	handler.input = make(chan *notify.Event, config.Buffer)
	handler.stop = make(chan bool, 1)
	handler.done = make(chan bool)

	go func() {
		defer close(handler.done)
		for {
			select {
			case ev := <-handler.input:
				write(ev)
			case <-handler.stop:
				// Flush what's already queued.
				for {
					select {
					case ev := <-handler.input:
						write(ev)
					default:
						return
					}
				}
			}
		}
	}()

	return true, nil
}

func write(ev *notify.Event) {
	if line, err := json.Marshal(ev); err == nil {
		fmt.Fprintln(handler.out, string(line))
	}
}

// IsReady checks if the handler is initialized.
func (*stdoutNotify) IsReady() bool {
	return handler.input != nil
}

// Events returns a channel that the server will use to send events to.
// If the adapter blocks, the event will be dropped.
func (*stdoutNotify) Events() chan<- *notify.Event {
	return handler.input
}

// Stop terminates the handler's worker.
func (*stdoutNotify) Stop() {
	handler.stop <- true
	<-handler.done
}

func init() {
	notify.Register("stdout", &handler)
}
