/******************************************************************************
 *
 *  Description :
 *
 *    Main hub for processing events such as creating/tearing down topics,
 *    routing incoming messages to topics.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tinode/swarmagg/server/archive"
	"github.com/tinode/swarmagg/server/concurrency"
	"github.com/tinode/swarmagg/server/dedup"
	"github.com/tinode/swarmagg/server/logs"
	"github.com/tinode/swarmagg/server/msgstate"
	"github.com/tinode/swarmagg/server/notify"
	"github.com/tinode/swarmagg/server/router"
	"github.com/tinode/swarmagg/server/swarm"
)

const (
	// Topics idle for longer than this are removed from memory.
	defaultMaxIdle = 48 * time.Hour
	// How often to look for idle topics.
	defaultSweepInterval = 24 * time.Hour
	// Capacity of a topic's write queue.
	defaultQueueSize = 1024
	// Max number of topics being recovered from the network at the same time.
	defaultInitWorkers = 16
	// Time limit on recovering a topic.
	defaultInitTimeout = time.Minute
	// Time limit on one write including the history upload.
	defaultWriteTimeout = 2 * time.Minute
	// Time limit on mirroring a history chunk.
	mirrorTimeout = 30 * time.Second
)

var (
	errMissingTopic = errors.New("missing chatTopic")
	errQueueFull    = errors.New("topic queue is full")
	errTopicClosed  = errors.New("topic is closed")
)

// chatMessage is a message received from the GSOC channel.
type chatMessage struct {
	// Name of the topic the message belongs to.
	topic string
	// Optional stream the message belongs to. Used to route the write.
	streamID string
	// The message as received.
	raw json.RawMessage
}

// feedPayload is the content of a feed update.
type feedPayload struct {
	Message          json.RawMessage     `json:"message"`
	MessageStateRefs []msgstate.StateRef `json:"messageStateRefs"`
}

// parseMessage validates the incoming message and extracts routing fields.
// Field names are matched exactly.
func parseMessage(raw []byte) (*chatMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	var topic, streamID string
	if val, ok := fields["chatTopic"]; ok {
		if err := json.Unmarshal(val, &topic); err != nil {
			return nil, errors.New("chatTopic: " + err.Error())
		}
	}
	if topic == "" {
		return nil, errMissingTopic
	}
	if val, ok := fields["streamId"]; ok {
		if err := json.Unmarshal(val, &streamID); err != nil {
			return nil, errors.New("streamId: " + err.Error())
		}
	}

	return &chatMessage{topic: topic, streamID: streamID, raw: json.RawMessage(raw)}, nil
}

type hubConfig struct {
	maxIdle       time.Duration
	sweepInterval time.Duration
	queueSize     int
	initWorkers   int
	initTimeout   time.Duration
	writeTimeout  time.Duration
	// Limit on a serialized history chunk.
	stateMaxSize int
}

func (c *hubConfig) setDefaults() {
	if c.maxIdle <= 0 {
		c.maxIdle = defaultMaxIdle
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = defaultSweepInterval
	}
	if c.queueSize <= 0 {
		c.queueSize = defaultQueueSize
	}
	if c.initWorkers <= 0 {
		c.initWorkers = defaultInitWorkers
	}
	if c.initTimeout <= 0 {
		c.initTimeout = defaultInitTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
}

// Hub is the core structure which holds topics.
type Hub struct {
	// Topics must be indexed by name
	topics *sync.Map

	conf hubConfig
	log  *logs.Logger

	// Drops redelivered messages.
	dedup *dedup.Filter
	// Node used to recover topics from the network.
	reader swarm.Client
	// Returns a client of the writer node at the given URL.
	writer func(url string) swarm.Client
	// Picks the writer node.
	router *router.Router
	// Optional mirror of history chunks.
	archive archive.Handler
	// Receives an event after every successful write.
	notify func(*notify.Event)

	// Limits concurrent topic recoveries.
	initPool *concurrency.GoRoutinePool

	now func() time.Time

	// Request to shutdown, unbuffered
	shutdown chan chan<- bool
}

func newHub(conf hubConfig, filter *dedup.Filter, reader swarm.Client, writer func(string) swarm.Client,
	rt *router.Router, arch archive.Handler, log *logs.Logger) *Hub {

	conf.setDefaults()

	var h = &Hub{
		topics:   &sync.Map{},
		conf:     conf,
		log:      log,
		dedup:    filter,
		reader:   reader,
		writer:   writer,
		router:   rt,
		archive:  arch,
		notify:   notify.Send,
		initPool: concurrency.NewGoRoutinePool(conf.initWorkers),
		now:      time.Now,
		shutdown: make(chan chan<- bool),
	}

	statsRegisterInt("LiveTopics")
	statsRegisterInt("TotalTopics")

	statsRegisterInt("IncomingMessages")
	statsRegisterInt("DuplicateMessages")
	statsRegisterInt("MalformedMessages")
	statsRegisterInt("DroppedMessages")

	statsRegisterInt("FeedWrites")
	statsRegisterInt("FeedWriteErrors")
	statsRegisterInt("TopicInitErrors")
	statsRegisterInt("StateChunks")
	statsRegisterInt("ReapedTopics")
	statsRegisterInt("RoutedWrites")

	statsRegisterHistogram("FeedWriteLatency", feedWriteLatencyDistribution)

	return h
}

func (h *Hub) topicGet(name string) *Topic {
	if t, ok := h.topics.Load(name); ok {
		return t.(*Topic)
	}
	return nil
}

// topicDel removes the topic from the hub unless it was already replaced, then
// stops accepting work for it. Returns true if the topic was removed.
func (h *Hub) topicDel(t *Topic) bool {
	removed := h.topics.CompareAndDelete(t.name, t)
	if removed {
		statsInc("LiveTopics", -1)
	}
	t.close()
	return removed
}

// getOrCreate returns the topic with the given name creating it if necessary.
// A new topic starts its goroutine which recovers the topic from the network.
func (h *Hub) getOrCreate(name string) *Topic {
	if t := h.topicGet(name); t != nil {
		return t
	}

	t := newTopic(name, h.conf.queueSize, h.conf.stateMaxSize)
	if actual, loaded := h.topics.LoadOrStore(name, t); loaded {
		// Lost the race, nothing was started for t.
		return actual.(*Topic)
	}

	statsInc("LiveTopics", 1)
	statsInc("TotalTopics", 1)

	go t.run(h)

	return t
}

// run consumes incoming messages one at a time in the order of arrival and
// periodically removes idle topics.
func (h *Hub) run(incoming <-chan []byte) {
	sweep := time.NewTicker(h.conf.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case raw, ok := <-incoming:
			if !ok {
				h.log.Warning.Println("hub: subscription closed, no more incoming messages")
				incoming = nil
				continue
			}
			h.ingest(raw)

		case <-sweep.C:
			h.reap(h.now())

		case hubdone := <-h.shutdown:
			h.stopTopics()
			h.initPool.Stop()
			h.log.Info.Println("hub shutdown completed")
			hubdone <- true
			return
		}
	}
}

// ingest deduplicates and validates a raw message then queues it for writing.
func (h *Hub) ingest(raw []byte) {
	statsInc("IncomingMessages", 1)

	if !h.dedup.ShouldProcess(raw) {
		statsInc("DuplicateMessages", 1)
		return
	}

	msg, err := parseMessage(raw)
	if err != nil {
		h.log.Warning.Println("hub: invalid message:", err)
		statsInc("MalformedMessages", 1)
		return
	}

	h.dispatch(msg)
}

// dispatch hands the message to its topic.
func (h *Hub) dispatch(msg *chatMessage) {
	// A topic could be closed between the lookup and enqueue by a failed recovery.
	// The second attempt gets a fresh topic.
	for attempt := 0; attempt < 2; attempt++ {
		t := h.getOrCreate(msg.topic)
		err := t.enqueue(msg, h.now())
		if err == nil {
			return
		}
		if err == errQueueFull {
			h.log.Error.Printf("topic[%s]: queue full, message dropped", msg.topic)
			statsInc("DroppedMessages", 1)
			return
		}
	}

	h.log.Error.Printf("topic[%s]: topic unavailable, message dropped", msg.topic)
	statsInc("DroppedMessages", 1)
}

// reap removes topics which were idle for too long. Topics with pending writes are kept.
func (h *Hub) reap(now time.Time) {
	h.topics.Range(func(_, v any) bool {
		t := v.(*Topic)
		if now.Sub(t.lastUsed()) > h.conf.maxIdle && t.pendingCount() == 0 {
			if h.topicDel(t) {
				statsInc("ReapedTopics", 1)
				h.log.Info.Printf("topic[%s]: idle since %s, removed", t.name, t.lastUsed().Format(time.RFC3339))
			}
		}
		return true
	})
}

// stopTopics closes all topics and waits for the queued writes to complete.
func (h *Hub) stopTopics() {
	var topics []*Topic
	h.topics.Range(func(_, v any) bool {
		t := v.(*Topic)
		h.topicDel(t)
		topics = append(topics, t)
		return true
	})
	for _, t := range topics {
		<-t.exit
	}
}

// mirrorChunk stores a copy of a history chunk in the archive.
func (h *Hub) mirrorChunk(ref string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	if err := h.archive.Put(ctx, ref, data); err != nil {
		h.log.Warning.Printf("archive: failed to mirror chunk %s: %v", ref, err)
	}
}
