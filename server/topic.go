/******************************************************************************
 *
 *  Description :
 *
 *    An isolated communication channel (topic) which serializes writes of
 *    chat messages to the topic's feed.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinode/swarmagg/server/msgstate"
	"github.com/tinode/swarmagg/server/notify"
	"github.com/tinode/swarmagg/server/router"
)

// Progress of topic recovery.
type initState int

const (
	initUninitialized initState = iota
	initInProgress
	initReady
	initFailed
)

func (s initState) String() string {
	switch s {
	case initUninitialized:
		return "uninitialized"
	case initInProgress:
		return "in progress"
	case initReady:
		return "ready"
	case initFailed:
		return "failed"
	}
	return "unknown"
}

var errInitFailed = errors.New("topic recovery failed")

// Topic is an isolated feed of chat messages. All writes to the topic's feed are
// made by the topic's goroutine one at a time in the order they were queued.
type Topic struct {
	// Name of the topic as given in chatTopic.
	name string

	// Protects status, initErr, closed and sends to queue.
	lock    sync.Mutex
	status  initState
	initErr error
	// Closed when recovery completes.
	initDone chan struct{}
	// Set when the topic stops accepting work.
	closed bool

	// Unix nanoseconds of the last queued message.
	lastActive atomic.Int64
	// Messages queued or being written.
	pending atomic.Int32

	// Index of the next feed update. Written by recovery before initDone is closed,
	// then owned by the topic goroutine.
	index uint64
	// History of recent messages, same ownership as index.
	state *msgstate.State

	// Messages waiting to be written.
	queue chan *chatMessage
	// Closed when the topic goroutine exits.
	exit chan struct{}
}

func newTopic(name string, queueSize, stateMaxSize int) *Topic {
	t := &Topic{
		name:     name,
		initDone: make(chan struct{}),
		state:    msgstate.New(stateMaxSize),
		queue:    make(chan *chatMessage, queueSize),
		exit:     make(chan struct{}),
	}
	t.lastActive.Store(time.Now().UnixNano())
	return t
}

// enqueue adds the message to the write queue without blocking.
func (t *Topic) enqueue(msg *chatMessage, now time.Time) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return errTopicClosed
	}

	t.lastActive.Store(now.UnixNano())

	t.pending.Add(1)
	select {
	case t.queue <- msg:
		return nil
	default:
		t.pending.Add(-1)
		return errQueueFull
	}
}

// close stops accepting new messages. Queued messages are still processed.
func (t *Topic) close() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.closed {
		t.closed = true
		close(t.queue)
	}
}

func (t *Topic) lastUsed() time.Time {
	return time.Unix(0, t.lastActive.Load())
}

func (t *Topic) pendingCount() int {
	return int(t.pending.Load())
}

// beginInit marks recovery as started. Returns false if it was started before.
func (t *Topic) beginInit() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.status != initUninitialized {
		return false
	}
	t.status = initInProgress
	return true
}

// finishInit records the outcome of recovery and releases everyone waiting for it.
func (t *Topic) finishInit(err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.status == initReady || t.status == initFailed {
		return
	}
	if err != nil {
		t.status = initFailed
		t.initErr = err
	} else {
		t.status = initReady
	}
	close(t.initDone)
}

// awaitInit waits for recovery to complete.
func (t *Topic) awaitInit(ctx context.Context) error {
	select {
	case <-t.initDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.status == initFailed {
		return errors.Join(errInitFailed, t.initErr)
	}
	return nil
}

func (t *Topic) initStatus() initState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.status
}

// run is the topic's goroutine. It recovers the topic then writes queued messages
// until the topic is closed.
func (t *Topic) run(h *Hub) {
	defer close(t.exit)

	if t.beginInit() {
		if !h.initPool.Schedule(func() { h.topicInit(t) }) {
			t.finishInit(errors.New("shutting down"))
			h.topicDel(t)
		}
	}

	if err := t.awaitInit(context.Background()); err != nil {
		// Never write with an unknown index: it could overwrite existing updates.
		for range t.queue {
			h.log.Error.Printf("topic[%s]: message dropped: %v", t.name, err)
			statsInc("DroppedMessages", 1)
			t.pending.Add(-1)
		}
		return
	}

	for msg := range t.queue {
		t.write(h, msg)
		t.pending.Add(-1)
	}
}

// write uploads the updated history and writes the message to the feed at the current
// index. The index is advanced only if the write succeeds. Failed writes are not retried.
func (t *Topic) write(h *Hub, msg *chatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), h.conf.writeTimeout)
	defer cancel()

	start := time.Now()

	var ep router.Endpoint
	if msg.streamID != "" {
		ep = h.router.ResolveWriter(ctx, msg.streamID)
	} else {
		ep = h.router.Default(t.name)
	}
	if ep.Node != nil {
		statsInc("RoutedWrites", 1)
	}
	client := h.writer(ep.URL)

	var mirror msgstate.Mirror
	if h.archive != nil {
		mirror = h.mirrorChunk
	}
	refs, spilled, err := t.state.Apply(ctx, client, msg.raw, mirror)
	if err != nil {
		h.log.Error.Printf("topic[%s]: failed to upload history for index %d: %v", t.name, t.index, err)
		statsInc("FeedWriteErrors", 1)
		return
	}
	if spilled {
		statsInc("StateChunks", 1)
		h.log.Info.Printf("topic[%s]: history chunk full, %d chunks now", t.name, len(refs))
	}

	payload, err := json.Marshal(&feedPayload{Message: msg.raw, MessageStateRefs: refs})
	if err != nil {
		h.log.Error.Printf("topic[%s]: failed to serialize payload: %v", t.name, err)
		statsInc("FeedWriteErrors", 1)
		return
	}

	index := t.index
	ref, err := client.WriteFeed(ctx, t.name, index, payload)
	if err != nil {
		h.log.Error.Printf("topic[%s]: feed write at index %d to %s failed: %v", t.name, index, ep.URL, err)
		statsInc("FeedWriteErrors", 1)
		return
	}
	t.index++

	statsInc("FeedWrites", 1)
	statsAddHistSample("FeedWriteLatency", float64(time.Since(start).Milliseconds()))
	h.log.Info.Printf("topic[%s]: wrote index %d to %s: %s", t.name, index, ep.URL, ref)

	if h.notify != nil {
		h.notify(&notify.Event{
			Topic:     t.name,
			Index:     index,
			Reference: ref,
			StreamID:  msg.streamID,
			Node:      ep.URL,
			Timestamp: h.now(),
		})
	}
}
