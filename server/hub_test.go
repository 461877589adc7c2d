package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"

	"github.com/tinode/swarmagg/server/archive"
	"github.com/tinode/swarmagg/server/dedup"
	"github.com/tinode/swarmagg/server/logs"
	"github.com/tinode/swarmagg/server/router"
	"github.com/tinode/swarmagg/server/swarm"
	"github.com/tinode/swarmagg/server/swarm/mock_swarm"
)

func TestParseMessage(t *testing.T) {
	cases := []struct {
		raw    string
		topic  string
		stream string
		fails  bool
	}{
		{raw: `{"chatTopic":"general","text":"hi"}`, topic: "general"},
		{raw: `{"chatTopic":"general","streamId":"s1"}`, topic: "general", stream: "s1"},
		{raw: `{"text":"hi"}`, fails: true},
		{raw: `{"chatTopic":""}`, fails: true},
		{raw: `{"chatTopic":42}`, fails: true},
		{raw: `["chatTopic"]`, fails: true},
		{raw: `not json`, fails: true},
		// Names are case sensitive.
		{raw: `{"ChatTopic":"general"}`, fails: true},
		{raw: `{"CHATTOPIC":"general"}`, fails: true},
		{raw: `{"chatTopic":"a","ChatTopic":"b"}`, topic: "a"},
		{raw: `{"ChatTopic":"b","chatTopic":"a"}`, topic: "a"},
		{raw: `{"chatTopic":"a","StreamId":"s1"}`, topic: "a"},
		{raw: `{"chatTopic":"a","streamId":7}`, fails: true},
		{raw: `{"chatTopic":null}`, fails: true},
	}
	for _, tc := range cases {
		msg, err := parseMessage([]byte(tc.raw))
		if tc.fails {
			if err == nil {
				t.Errorf("%s: expected an error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.raw, err)
			continue
		}
		if msg.topic != tc.topic || msg.streamID != tc.stream || string(msg.raw) != tc.raw {
			t.Errorf("%s: unexpected result %+v", tc.raw, msg)
		}
	}
}

func TestIngestDropsDuplicatesAndMalformed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	rec := &writeRecorder{}
	m := mock_swarm.NewMockClient(ctrl)
	m.EXPECT().ReadFeed(gomock.Any(), "general").Return(nil, swarm.ErrNotFound)
	m.EXPECT().UploadBlob(gomock.Any(), gomock.Any()).DoAndReturn(uploads()).AnyTimes()
	m.EXPECT().WriteFeed(gomock.Any(), "general", gomock.Any(), gomock.Any()).DoAndReturn(rec.record).Times(2)

	h := newTestHub(t, m, hubConfig{})
	for _, raw := range []string{
		`{"chatTopic":"general","text":"a"}`,
		`{"chatTopic":"general","text":"a"}`,
		`{"text":"no topic"}`,
		`{broken`,
		`{"chatTopic":"general","text":"b"}`,
		`{"chatTopic":"general","text":"a"}`,
	} {
		h.ingest([]byte(raw))
	}
	stopHub(h)

	expected := []feedWrite{{"general", 0, "a"}, {"general", 1, "b"}}
	if diff := cmp.Diff(expected, rec.get()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestRecoverIndexAndHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	head := `{"message":{"chatTopic":"general","text":"old"},"messageStateRefs":[` +
		`{"reference":"c1","timestamp":100},{"reference":"c2","timestamp":500}]}`
	old := `{"chatTopic":"general","text":"old"}`
	fresh := `{"chatTopic":"general","text":"new"}`

	m := mock_swarm.NewMockClient(ctrl)
	m.EXPECT().ReadFeed(gomock.Any(), "general").Return(&swarm.FeedUpdate{Index: 41, Payload: []byte(head)}, nil)
	m.EXPECT().DownloadBlob(gomock.Any(), "c2").Return([]byte("["+old+"]"), nil)
	m.EXPECT().UploadBlob(gomock.Any(), []byte("["+old+","+fresh+"]")).Return("c3", nil)

	var payload feedPayload
	m.EXPECT().WriteFeed(gomock.Any(), "general", uint64(42), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ uint64, p []byte) (string, error) {
			return "u42", json.Unmarshal(p, &payload)
		})

	h := newTestHub(t, m, hubConfig{})
	h.ingest([]byte(fresh))
	stopHub(h)

	var refs []string
	for _, r := range payload.MessageStateRefs {
		refs = append(refs, r.Reference)
	}
	// The latest chunk is replaced, the older generation stays.
	if diff := cmp.Diff([]string{"c1", "c3"}, refs); diff != "" {
		t.Fatalf("chain mismatch (-want +got):\n%s", diff)
	}
	if payload.MessageStateRefs[1].Timestamp <= 500 {
		t.Errorf("new chunk must be the latest, got timestamp %d", payload.MessageStateRefs[1].Timestamp)
	}
}

func TestRecoverMalformedPayload(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := mock_swarm.NewMockClient(ctrl)
	m.EXPECT().ReadFeed(gomock.Any(), "general").Return(&swarm.FeedUpdate{Index: 6, Payload: []byte("garbage")}, nil)
	m.EXPECT().UploadBlob(gomock.Any(), gomock.Any()).DoAndReturn(uploads())
	m.EXPECT().WriteFeed(gomock.Any(), "general", uint64(7), gomock.Any()).Return("u7", nil)

	h := newTestHub(t, m, hubConfig{})
	h.ingest(testMessage("general", "x"))
	top := h.topicGet("general")
	stopHub(h)

	if len(top.state.Buffer()) != 1 || len(top.state.Refs()) != 1 {
		t.Errorf("expected history restarted from scratch, got %d messages, %d refs",
			len(top.state.Buffer()), len(top.state.Refs()))
	}
}

func TestInitFailureFailsClosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	release := make(chan struct{})
	m := mock_swarm.NewMockClient(ctrl)
	gomock.InOrder(
		m.EXPECT().ReadFeed(gomock.Any(), "general").
			DoAndReturn(func(context.Context, string) (*swarm.FeedUpdate, error) {
				<-release
				return nil, &swarm.HTTPError{Op: "read feed", Code: 503, Status: "Service Unavailable"}
			}),
		m.EXPECT().ReadFeed(gomock.Any(), "general").Return(&swarm.FeedUpdate{Index: 9, Payload: []byte(`{}`)}, nil),
	)
	m.EXPECT().UploadBlob(gomock.Any(), gomock.Any()).DoAndReturn(uploads())
	// Nothing is written at a guessed index.
	m.EXPECT().WriteFeed(gomock.Any(), "general", uint64(10), gomock.Any()).Return("u10", nil)

	h := newTestHub(t, m, hubConfig{})
	h.ingest(testMessage("general", "first"))
	failed := h.topicGet("general")
	close(release)

	select {
	case <-failed.exit:
	case <-time.After(5 * time.Second):
		t.Fatal("failed topic did not stop")
	}
	if s := failed.initStatus(); s != initFailed {
		t.Fatalf("expected failed recovery, got %s", s)
	}
	if h.topicGet("general") != nil {
		t.Fatal("failed topic must be removed from the hub")
	}

	// The next message retries recovery.
	h.ingest(testMessage("general", "second"))
	retried := h.topicGet("general")
	stopHub(h)

	if retried == failed || retried.index != 11 {
		t.Errorf("expected a new topic at index 11, got %d", retried.index)
	}
}

func TestChunkDownloadFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	head := `{"message":{},"messageStateRefs":[{"reference":"c1","timestamp":1}]}`
	m := mock_swarm.NewMockClient(ctrl)
	m.EXPECT().ReadFeed(gomock.Any(), "general").Return(&swarm.FeedUpdate{Index: 0, Payload: []byte(head)}, nil)
	release := make(chan struct{})
	m.EXPECT().DownloadBlob(gomock.Any(), "c1").
		DoAndReturn(func(context.Context, string) ([]byte, error) {
			<-release
			return nil, swarm.ErrNotFound
		})

	h := newTestHub(t, m, hubConfig{})
	h.ingest(testMessage("general", "x"))
	top := h.topicGet("general")
	close(release)
	<-top.exit
	stopHub(h)

	if s := top.initStatus(); s != initFailed {
		t.Errorf("expected failed recovery, got %s", s)
	}
}

type memArchive struct {
	lock   sync.Mutex
	chunks map[string][]byte
}

func (a *memArchive) Init(json.RawMessage) error { return nil }

func (a *memArchive) Put(_ context.Context, ref string, data []byte) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.chunks[ref] = data
	return nil
}

func (a *memArchive) Get(_ context.Context, ref string) ([]byte, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if data, ok := a.chunks[ref]; ok {
		return data, nil
	}
	return nil, archive.ErrNotFound
}

func TestArchiveMirrorAndFallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	arch := &memArchive{chunks: map[string][]byte{}}
	msg := testMessage("general", "x")

	var head []byte
	m := mock_swarm.NewMockClient(ctrl)
	gomock.InOrder(
		m.EXPECT().ReadFeed(gomock.Any(), "general").Return(nil, swarm.ErrNotFound),
		m.EXPECT().ReadFeed(gomock.Any(), "general").
			DoAndReturn(func(context.Context, string) (*swarm.FeedUpdate, error) {
				return &swarm.FeedUpdate{Index: 0, Payload: head}, nil
			}),
	)
	m.EXPECT().UploadBlob(gomock.Any(), gomock.Any()).DoAndReturn(uploads()).Times(2)
	m.EXPECT().WriteFeed(gomock.Any(), "general", uint64(0), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ uint64, p []byte) (string, error) {
			head = p
			return "u0", nil
		})
	// The network lost the chunk.
	m.EXPECT().DownloadBlob(gomock.Any(), "ref1").Return(nil, swarm.ErrNotFound)
	m.EXPECT().WriteFeed(gomock.Any(), "general", uint64(1), gomock.Any()).Return("u1", nil)

	h := newTestHub(t, m, hubConfig{})
	h.archive = arch
	h.ingest(msg)
	stopHub(h)

	if string(arch.chunks["ref1"]) != "["+string(msg)+"]" {
		t.Fatalf("chunk was not mirrored: %q", arch.chunks["ref1"])
	}

	// Restart: recover from the feed written above.
	h = newTestHub(t, m, hubConfig{})
	h.archive = arch
	h.ingest(testMessage("general", "y"))
	top := h.topicGet("general")
	stopHub(h)

	if len(top.state.Buffer()) != 2 {
		t.Errorf("expected history restored from the archive, got %d messages", len(top.state.Buffer()))
	}
}

func TestReaper(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := mock_swarm.NewMockClient(ctrl)
	gomock.InOrder(
		m.EXPECT().ReadFeed(gomock.Any(), "idle").Return(nil, swarm.ErrNotFound),
		// After eviction the index comes from the network.
		m.EXPECT().ReadFeed(gomock.Any(), "idle").Return(&swarm.FeedUpdate{Index: 0, Payload: []byte(`{}`)}, nil),
	)
	m.EXPECT().UploadBlob(gomock.Any(), gomock.Any()).DoAndReturn(uploads()).AnyTimes()
	gomock.InOrder(
		m.EXPECT().WriteFeed(gomock.Any(), "idle", uint64(0), gomock.Any()).Return("u0", nil),
		m.EXPECT().WriteFeed(gomock.Any(), "idle", uint64(1), gomock.Any()).Return("u1", nil),
	)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHub(t, m, hubConfig{maxIdle: time.Hour})
	h.now = func() time.Time { return start }

	h.ingest(testMessage("idle", "1"))
	first := h.topicGet("idle")

	// Busy topic is kept even if it looks idle.
	busy := newTopic("busy", 1, 0)
	busy.lastActive.Store(start.UnixNano())
	busy.pending.Add(1)
	h.topics.Store("busy", busy)

	// Wait for the write to complete.
	deadline := time.Now().Add(5 * time.Second)
	for first.pendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	h.reap(start.Add(30 * time.Minute))
	if h.topicGet("idle") == nil {
		t.Fatal("active topic must not be removed")
	}

	h.reap(start.Add(2 * time.Hour))
	if h.topicGet("idle") != nil {
		t.Fatal("idle topic must be removed")
	}
	if h.topicGet("busy") == nil {
		t.Fatal("topic with pending writes must not be removed")
	}
	<-first.exit

	h.topics.Delete("busy")
	h.ingest(testMessage("idle", "2"))
	second := h.topicGet("idle")
	stopHub(h)

	if second == first || second.index != 2 {
		t.Errorf("expected a recovered topic at index 2, got %d", second.index)
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	m := mock_swarm.NewMockClient(ctrl)
	// Recovery runs once no matter how many callers race.
	m.EXPECT().ReadFeed(gomock.Any(), "general").Return(nil, swarm.ErrNotFound).Times(1)

	h := newTestHub(t, m, hubConfig{})

	const callers = 32
	results := make([]*Topic, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.getOrCreate("general")
		}(i)
	}
	wg.Wait()

	for _, top := range results {
		if top != results[0] {
			t.Fatal("all callers must get the same topic")
		}
	}
	if err := results[0].awaitInit(context.Background()); err != nil {
		t.Errorf("unexpected recovery error: %v", err)
	}
	stopHub(h)
}

func TestQueueFullDropsMessage(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	release := make(chan struct{})
	m := mock_swarm.NewMockClient(ctrl)
	m.EXPECT().ReadFeed(gomock.Any(), "general").
		DoAndReturn(func(context.Context, string) (*swarm.FeedUpdate, error) {
			<-release
			return nil, swarm.ErrNotFound
		})
	m.EXPECT().UploadBlob(gomock.Any(), gomock.Any()).DoAndReturn(uploads())
	m.EXPECT().WriteFeed(gomock.Any(), "general", uint64(0), gomock.Any()).Return("u0", nil).Times(1)

	h := newTestHub(t, m, hubConfig{queueSize: 1})
	h.ingest(testMessage("general", "1"))
	h.ingest(testMessage("general", "2"))
	close(release)
	stopHub(h)
}

func TestRoutedWrite(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"nodes":{"private_writers":[{"port":"1711","locked":true,
			"lock_info":{"stream_id":"live-1","type":"chat"}}]}}`))
	}))
	defer gateway.Close()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	shared := mock_swarm.NewMockClient(ctrl)
	private := mock_swarm.NewMockClient(ctrl)
	shared.EXPECT().ReadFeed(gomock.Any(), "general").Return(nil, swarm.ErrNotFound)
	private.EXPECT().UploadBlob(gomock.Any(), gomock.Any()).DoAndReturn(uploads())
	private.EXPECT().WriteFeed(gomock.Any(), "general", uint64(0), gomock.Any()).Return("u0", nil)
	shared.EXPECT().UploadBlob(gomock.Any(), gomock.Any()).DoAndReturn(uploads())
	shared.EXPECT().WriteFeed(gomock.Any(), "general", uint64(1), gomock.Any()).Return("u1", nil)

	rt, err := router.New(router.Config{GatewayURL: gateway.URL, WriterHost: "http://writer"},
		[]string{testWriter}, logs.Discard())
	if err != nil {
		t.Fatal(err)
	}
	filter, _ := dedup.New(0, 0)

	var lock sync.Mutex
	var urls []string
	writer := func(url string) swarm.Client {
		lock.Lock()
		urls = append(urls, url)
		lock.Unlock()
		if url == "http://writer:1711" {
			return private
		}
		return shared
	}
	h := newHub(hubConfig{}, filter, shared, writer, rt, nil, logs.Discard())
	h.notify = nil

	h.ingest([]byte(`{"chatTopic":"general","streamId":"live-1","text":"a"}`))
	h.ingest([]byte(`{"chatTopic":"general","streamId":"other","text":"b"}`))
	stopHub(h)

	if diff := cmp.Diff([]string{"http://writer:1711", testWriter}, urls); diff != "" {
		t.Errorf("writer URLs mismatch (-want +got):\n%s", diff)
	}
}

func TestHubRunShutdown(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	rec := &writeRecorder{}
	m := mock_swarm.NewMockClient(ctrl)
	m.EXPECT().ReadFeed(gomock.Any(), gomock.Any()).Return(nil, swarm.ErrNotFound).Times(2)
	m.EXPECT().UploadBlob(gomock.Any(), gomock.Any()).DoAndReturn(uploads()).AnyTimes()
	m.EXPECT().WriteFeed(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(rec.record).Times(3)

	h := newTestHub(t, m, hubConfig{})
	incoming := make(chan []byte, 8)
	go h.run(incoming)

	incoming <- testMessage("a", "1")
	incoming <- testMessage("b", "1")
	incoming <- testMessage("a", "2")
	close(incoming)

	// Wait for the hub to consume everything.
	deadline := time.Now().Add(5 * time.Second)
	for len(incoming) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	hubdone := make(chan bool)
	h.shutdown <- hubdone
	<-hubdone

	writes := rec.get()
	if len(writes) != 3 {
		t.Fatalf("queued writes must complete before shutdown, got %+v", writes)
	}
	var a []uint64
	for _, w := range writes {
		if w.Topic == "a" {
			a = append(a, w.Index)
		}
	}
	if diff := cmp.Diff([]uint64{0, 1}, a); diff != "" {
		t.Errorf("topic 'a' indexes mismatch (-want +got):\n%s", diff)
	}
}
