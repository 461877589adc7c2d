// Package router decides which Bee node should receive a write.
//
// In gateway deployments a stream may be locked to a dedicated private writer node.
// The gateway's admin API reports such locks. Writes for a locked stream go to the
// node holding the lock, everything else goes to one of the shared writers.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tinode/swarmagg/server/logs"
	"github.com/tinode/swarmagg/server/ringhash"
)

const (
	// Lock type used by chat streams.
	LockTypeChat = "chat"

	adminTokenHeader = "X-MSRS-Admin-Token"
	statusPath       = "/admin/node/status"

	defaultTimeout = 10 * time.Second
	// Number of ring replicas per shared writer.
	ringReplicas = 20
)

// Config is the router configuration.
type Config struct {
	// Base URL of the gateway. Routing to private writers is disabled if empty.
	GatewayURL string `json:"gateway_url"`
	// Secret for the gateway's admin API.
	AdminSecret string `json:"admin_secret"`
	// Scheme and host of private writer nodes, like http://10.0.0.5. The node's port is
	// appended to it. Defaults to the host of GatewayURL.
	WriterHost string `json:"writer_host"`
	// Admin API timeout in seconds.
	Timeout int `json:"timeout"`
}

// LockInfo describes who holds a writer node.
type LockInfo struct {
	LockedAt int64  `json:"locked_at"`
	LockedBy string `json:"locked_by"`
	Instance string `json:"instance"`
	StreamID string `json:"stream_id"`
	Type     string `json:"type"`
	Pinned   bool   `json:"pinned"`
}

// NodeInfo is a writer node as reported by the gateway.
type NodeInfo struct {
	Port     string    `json:"port"`
	Hash     string    `json:"hash"`
	Locked   bool      `json:"locked"`
	LockInfo *LockInfo `json:"lock_info,omitempty"`
}

// StatusResponse is the response of the admin node status endpoint.
type StatusResponse struct {
	Nodes struct {
		PrivateWriters []NodeInfo        `json:"private_writers"`
		PublicWriters  []NodeInfo        `json:"public_writers"`
		Readers        []json.RawMessage `json:"readers"`
	} `json:"nodes"`
	Summary struct {
		TotalPrivateWriters     int `json:"total_private_writers"`
		LockedPrivateWriters    int `json:"locked_private_writers"`
		PinnedPrivateWriters    int `json:"pinned_private_writers"`
		AvailablePrivateWriters int `json:"available_private_writers"`
	} `json:"summary"`
}

// Endpoint is the node selected for a write.
type Endpoint struct {
	URL string
	// Private writer node which holds the stream's lock. Nil for shared writers.
	Node *NodeInfo
}

// Router resolves writer endpoints.
type Router struct {
	conf       Config
	writerHost string
	shared     *ringhash.Ring
	client     *http.Client
	log        *logs.Logger

	// Coalesces concurrent status requests.
	status singleflight.Group
}

// New creates a router. sharedWriters must contain at least one URL.
func New(conf Config, sharedWriters []string, log *logs.Logger) (*Router, error) {
	if len(sharedWriters) == 0 {
		return nil, errors.New("router: no shared writers")
	}

	timeout := defaultTimeout
	if conf.Timeout > 0 {
		timeout = time.Duration(conf.Timeout) * time.Second
	}

	r := &Router{
		conf:   conf,
		shared: ringhash.New(ringReplicas, nil),
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
	r.shared.Add(sharedWriters...)
	log.Info.Printf("router: shared writers %v, ring signature %s", r.shared.Nodes(), r.shared.Signature())

	if conf.GatewayURL != "" {
		r.writerHost = strings.TrimSuffix(conf.WriterHost, "/")
		if r.writerHost == "" {
			u, err := url.Parse(conf.GatewayURL)
			if err != nil {
				return nil, errors.New("router: invalid gateway URL: " + err.Error())
			}
			r.writerHost = u.Scheme + "://" + u.Hostname()
		}
	}

	return r, nil
}

// Enabled reports if routing to private writers is configured.
func (r *Router) Enabled() bool {
	return r.conf.GatewayURL != ""
}

// Default returns the shared writer for the given key.
func (r *Router) Default(key string) Endpoint {
	return Endpoint{URL: r.shared.Get(key)}
}

// ResolveWriter returns the private writer which holds the chat lock for streamID or a
// shared writer if there is none. Lookup failures are logged and fall back to the
// shared writer.
func (r *Router) ResolveWriter(ctx context.Context, streamID string) Endpoint {
	if streamID == "" || !r.Enabled() {
		return r.Default(streamID)
	}

	node, err := r.requiredChatNode(ctx, streamID)
	if err != nil {
		r.log.Error.Println("router: node status lookup failed:", err)
		return r.Default(streamID)
	}
	if node == nil {
		return r.Default(streamID)
	}

	return Endpoint{URL: r.writerHost + ":" + node.Port, Node: node}
}

func (r *Router) requiredChatNode(ctx context.Context, streamID string) (*NodeInfo, error) {
	status, err := r.fetchStatus(ctx)
	if err != nil {
		return nil, err
	}

	for i := range status.Nodes.PrivateWriters {
		node := &status.Nodes.PrivateWriters[i]
		if node.Locked && node.LockInfo != nil &&
			node.LockInfo.StreamID == streamID && node.LockInfo.Type == LockTypeChat {
			return node, nil
		}
	}
	return nil, nil
}

func (r *Router) fetchStatus(ctx context.Context) (*StatusResponse, error) {
	// The request is shared by coalesced callers and must outlive the one which started it.
	// It's still bounded by the client timeout.
	shared := context.WithoutCancel(ctx)
	ch := r.status.DoChan("status", func() (interface{}, error) {
		req, err := http.NewRequestWithContext(shared, http.MethodGet,
			strings.TrimSuffix(r.conf.GatewayURL, "/")+statusPath, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(adminTokenHeader, r.conf.AdminSecret)
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, errors.New("router: unexpected status " + resp.Status)
		}

		var status StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return nil, errors.New("router: invalid status response: " + err.Error())
		}
		return &status, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*StatusResponse), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
