package swarm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/cenkalti/backoff.v2"

	"github.com/tinode/swarmagg/server/logs"
)

// Size of the buffer between the socket reader and the consumer.
const defaultSubscriptionBuffer = 4096

// Subscription delivers messages published to a GSOC channel. Messages are delivered
// in the order they are received from the node.
type Subscription struct {
	url    string
	log    *logs.Logger
	dialer *websocket.Dialer

	messages chan []byte
	errs     chan error

	connLock sync.Mutex
	conn     *websocket.Conn

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Subscribe opens a websocket to the node at beeURL and starts reading messages of the
// GSOC channel with the given hex address. Failure to connect initially is returned as
// an error; later disconnects are reported through Errors() and the socket is reopened.
func Subscribe(ctx context.Context, beeURL, address string, log *logs.Logger) (*Subscription, error) {
	wsURL := strings.TrimSuffix(beeURL, "/") + "/gsoc/subscribe/" + address
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	s := &Subscription{
		url:      wsURL,
		log:      log,
		dialer:   &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		messages: make(chan []byte, defaultSubscriptionBuffer),
		errs:     make(chan error, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	go s.run()

	return s, nil
}

// Messages returns the channel of received messages. It's closed after Cancel.
func (s *Subscription) Messages() <-chan []byte {
	return s.messages
}

// Errors returns the channel of connection errors. Errors are dropped if nobody reads them.
func (s *Subscription) Errors() <-chan error {
	return s.errs
}

// Cancel closes the socket and waits for the reader to exit.
func (s *Subscription) Cancel() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.connLock.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connLock.Unlock()
	})
	<-s.done
}

func (s *Subscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Subscription) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Subscription) run() {
	defer func() {
		close(s.messages)
		close(s.done)
	}()

	for {
		s.connLock.Lock()
		conn := s.conn
		s.connLock.Unlock()

		s.readLoop(conn)
		if s.stopped() {
			return
		}
		if !s.reconnect() {
			return
		}
	}
}

func (s *Subscription) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !s.stopped() {
				s.log.Warning.Println("gsoc: read failed:", err)
				s.reportError(err)
			}
			conn.Close()
			return
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}

		select {
		case s.messages <- data:
		case <-s.stop:
			return
		}
	}
}

// reconnect keeps dialing until it succeeds or the subscription is cancelled.
func (s *Subscription) reconnect() bool {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Minute
	// Never give up.
	bo.MaxElapsedTime = 0

	for {
		delay := bo.NextBackOff()
		select {
		case <-time.After(delay):
		case <-s.stop:
			return false
		}

		conn, _, err := s.dialer.Dial(s.url, nil)
		if err != nil {
			s.log.Warning.Println("gsoc: reconnect failed:", err)
			s.reportError(err)
			continue
		}

		s.connLock.Lock()
		if s.stopped() {
			s.connLock.Unlock()
			conn.Close()
			return false
		}
		s.conn = conn
		s.connLock.Unlock()

		s.log.Info.Println("gsoc: reconnected to", s.url)
		return true
	}
}
