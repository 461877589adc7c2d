package swarm

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinode/swarmagg/server/logs"
)

const testKey = "0x4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"

var testRef = strings.Repeat("ab", 32)

func newTestBee(t *testing.T, h http.Handler) *Bee {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	b, err := NewBee(BeeConfig{URL: srv.URL + "/", Key: testKey, Stamp: "stamp1", RedundancyLevel: RedundancyInsane})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNewBeeValidation(t *testing.T) {
	if _, err := NewBee(BeeConfig{Key: testKey}); err == nil {
		t.Error("missing URL must be rejected")
	}
	if _, err := NewBee(BeeConfig{URL: "http://localhost"}); err == nil {
		t.Error("missing key must be rejected")
	}
	if _, err := NewBee(BeeConfig{URL: "http://localhost", Key: "zz"}); err == nil {
		t.Error("invalid key must be rejected")
	}
}

func TestReadFeed(t *testing.T) {
	var b *Bee
	b = newTestBee(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/feeds/" + b.ownerHex() + "/" + hex.EncodeToString(TopicID("general"))
		switch {
		case r.URL.Path == wantPath:
			w.Header().Set(headerFeedIndex, "000000000000000a")
			w.Write([]byte(`{"message":{}}`))
		case strings.HasSuffix(r.URL.Path, hex.EncodeToString(TopicID("broken"))):
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	upd, err := b.ReadFeed(context.Background(), "general")
	if err != nil {
		t.Fatal(err)
	}
	if upd.Index != 10 {
		t.Errorf("expected index 10, got %d", upd.Index)
	}
	if string(upd.Payload) != `{"message":{}}` {
		t.Errorf("unexpected payload '%s'", upd.Payload)
	}

	if _, err = b.ReadFeed(context.Background(), "missing"); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	_, err = b.ReadFeed(context.Background(), "broken")
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Code != http.StatusInternalServerError {
		t.Errorf("expected HTTP 500 error, got %v", err)
	}
	if IsNotFound(err) {
		t.Error("server error must not be reported as not found")
	}
}

func TestUploadAndDownloadBlob(t *testing.T) {
	b := newTestBee(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/bytes":
			if r.Header.Get(headerStamp) != "stamp1" {
				t.Errorf("missing stamp header")
			}
			if r.Header.Get(headerRedundancy) != "3" {
				t.Errorf("expected redundancy level 3, got '%s'", r.Header.Get(headerRedundancy))
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != "hello" {
				t.Errorf("unexpected body '%s'", body)
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"reference":"` + testRef + `"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/bytes/"+testRef:
			w.Write([]byte("hello"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	ref, err := b.UploadBlob(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if ref != testRef {
		t.Errorf("unexpected reference '%s'", ref)
	}

	data, err := b.DownloadBlob(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("unexpected data '%s'", data)
	}

	if _, err = b.DownloadBlob(context.Background(), "00"); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestWriteFeedSignsUpdate(t *testing.T) {
	const index = 7
	var b *Bee
	var socCalled atomic.Bool
	b = newTestBee(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/bytes":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"reference":"` + testRef + `"}`))
		case strings.HasPrefix(r.URL.Path, "/soc/"):
			socCalled.Store(true)
			parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/soc/"), "/")
			if len(parts) != 2 {
				t.Errorf("unexpected path %s", r.URL.Path)
				return
			}
			if parts[0] != b.ownerHex() {
				t.Errorf("unexpected owner %s", parts[0])
			}
			id := FeedIdentifier(TopicID("general"), index)
			if parts[1] != hex.EncodeToString(id) {
				t.Errorf("unexpected identifier %s", parts[1])
			}
			if r.Header.Get(headerStamp) != "stamp1" {
				t.Error("missing stamp header")
			}
			if r.Header.Get(headerRedundancy) != "" {
				t.Error("redundancy must not be set for single owner chunks")
			}

			body, _ := io.ReadAll(r.Body)
			if len(body) != spanSize+8+32 {
				t.Errorf("unexpected chunk size %d", len(body))
				return
			}
			if span := binary.LittleEndian.Uint64(body[:spanSize]); span != 40 {
				t.Errorf("expected span 40, got %d", span)
			}
			payload := body[spanSize:]
			if ts := binary.BigEndian.Uint64(payload[:8]); ts != 1700000000 {
				t.Errorf("unexpected timestamp %d", ts)
			}
			if hex.EncodeToString(payload[8:]) != testRef {
				t.Errorf("unexpected reference in update")
			}

			sig, _ := hex.DecodeString(r.URL.Query().Get("sig"))
			addr, _ := ContentAddress(payload)
			signer, err := recoverOwner(keccak256(id, addr), sig)
			if err != nil {
				t.Errorf("failed to recover signer: %v", err)
			} else if signer != b.Owner() {
				t.Errorf("signature recovers to %s, expected %s", signer.Hex(), b.Owner().Hex())
			}

			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"reference":"socref"}`))
		}
	}))
	b.now = func() time.Time { return time.Unix(1700000000, 0) }

	ref, err := b.WriteFeed(context.Background(), "general", index, []byte(`{"message":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if !socCalled.Load() {
		t.Fatal("single owner chunk was not uploaded")
	}
	if ref != "socref" {
		t.Errorf("unexpected reference %s", ref)
	}
}

func TestWriteFeedUploadFailure(t *testing.T) {
	b := newTestBee(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/soc/") {
			t.Error("feed update must not be written when upload fails")
		}
		w.WriteHeader(http.StatusPaymentRequired)
	}))

	if _, err := b.WriteFeed(context.Background(), "general", 0, []byte("x")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestContentAddress(t *testing.T) {
	a1, err := ContentAddress([]byte("foo"))
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := ContentAddress([]byte("foo"))
	if !bytes.Equal(a1, a2) || len(a1) != 32 {
		t.Errorf("address must be a stable 32 byte hash")
	}
	// Same padded content, different span.
	a3, _ := ContentAddress([]byte("foo\x00"))
	if bytes.Equal(a1, a3) {
		t.Error("span must be part of the address")
	}
	if _, err = ContentAddress(make([]byte, chunkSize+1)); err == nil {
		t.Error("oversized payload must be rejected")
	}
}

func TestFeedIdentifierDependsOnIndex(t *testing.T) {
	topic := TopicID("general")
	if bytes.Equal(FeedIdentifier(topic, 0), FeedIdentifier(topic, 1)) {
		t.Error("identifiers of different indexes must differ")
	}
	if bytes.Equal(FeedIdentifier(topic, 0), FeedIdentifier(TopicID("other"), 0)) {
		t.Error("identifiers of different topics must differ")
	}
}

func TestSubscribe(t *testing.T) {
	addr, err := GsocAddress(testKey, "gsoc-topic")
	if err != nil {
		t.Fatal(err)
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gsoc/subscribe/"+addr {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.BinaryMessage, []byte("one"))
		conn.WriteMessage(websocket.BinaryMessage, []byte("two"))
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sub, err := Subscribe(context.Background(), srv.URL, addr, logs.Discard())
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-sub.Messages():
			if string(got) != want {
				t.Errorf("expected '%s', got '%s'", want, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for message")
		}
	}

	sub.Cancel()
	if _, ok := <-sub.Messages(); ok {
		t.Error("messages channel must be closed after Cancel")
	}

	if _, err = Subscribe(context.Background(), srv.URL, "wrong", logs.Discard()); err == nil {
		t.Error("expected dial error for unknown channel")
	}
}
