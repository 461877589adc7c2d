//go:generate mockgen -destination=mock_swarm/mock_swarm.go -package=mock_swarm github.com/tinode/swarmagg/server/swarm Client

// Package swarm provides access to a Swarm Bee node: feeds, content-addressed blobs
// and GSOC subscriptions.
package swarm

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested feed or blob does not exist.
var ErrNotFound = errors.New("swarm: not found")

// FeedUpdate is the current head of a feed.
type FeedUpdate struct {
	// Index of the head update.
	Index uint64
	// Content the head update points to.
	Payload []byte
}

// Client is the subset of the Bee API used by the aggregator. All feeds are owned
// by the client's signing key.
type Client interface {
	// ReadFeed returns the latest update of the feed or ErrNotFound if the feed was never written.
	ReadFeed(ctx context.Context, topic string) (*FeedUpdate, error)
	// WriteFeed writes payload to the feed at the given index and returns reference of the update.
	WriteFeed(ctx context.Context, topic string, index uint64, payload []byte) (string, error)
	// UploadBlob stores data and returns its content reference.
	UploadBlob(ctx context.Context, data []byte) (string, error)
	// DownloadBlob fetches data by content reference.
	DownloadBlob(ctx context.Context, ref string) ([]byte, error)
	// URL of the node.
	URL() string
}

// HTTPError is an unexpected HTTP response from the node.
type HTTPError struct {
	Op     string
	Code   int
	Status string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("swarm: %s: %d %s", e.Op, e.Code, e.Status)
}

// IsNotFound checks if the error means the resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
