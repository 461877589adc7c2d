package swarm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	headerStamp      = "Swarm-Postage-Batch-Id"
	headerRedundancy = "Swarm-Redundancy-Level"
	headerFeedIndex  = "Swarm-Feed-Index"

	defaultTimeout = 30 * time.Second
)

// Redundancy levels of erasure coding understood by Bee.
const (
	RedundancyOff = iota
	RedundancyMedium
	RedundancyStrong
	RedundancyInsane
	RedundancyParanoid
)

// BeeConfig is the configuration of a Bee client.
type BeeConfig struct {
	// Base URL of the node, like http://localhost:1633
	URL string `json:"url"`
	// Hex-encoded private key which owns the feeds.
	Key string `json:"key"`
	// Postage batch ID used for uploads.
	Stamp string `json:"stamp"`
	// Erasure coding level for blob uploads.
	RedundancyLevel int `json:"redundancy_level"`
	// HTTP request timeout in seconds.
	Timeout int `json:"timeout"`
}

// Bee is a Client which talks to a Bee node over its HTTP API.
type Bee struct {
	url        string
	stamp      string
	redundancy int
	key        *ecdsa.PrivateKey
	owner      common.Address
	client     *http.Client
	now        func() time.Time
}

// NewBee creates a client for the node at conf.URL.
func NewBee(conf BeeConfig) (*Bee, error) {
	if conf.URL == "" {
		return nil, errors.New("swarm: missing node URL")
	}
	if conf.Key == "" {
		return nil, errors.New("swarm: missing signing key")
	}
	key, err := ParseKey(conf.Key)
	if err != nil {
		return nil, errors.New("swarm: invalid signing key: " + err.Error())
	}
	timeout := defaultTimeout
	if conf.Timeout > 0 {
		timeout = time.Duration(conf.Timeout) * time.Second
	}

	return &Bee{
		url:        strings.TrimSuffix(conf.URL, "/"),
		stamp:      conf.Stamp,
		redundancy: conf.RedundancyLevel,
		key:        key,
		owner:      crypto.PubkeyToAddress(key.PublicKey),
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

// WithURL returns a copy of the client which talks to another node with the same key and stamp.
func (b *Bee) WithURL(url string) *Bee {
	clone := *b
	clone.url = strings.TrimSuffix(url, "/")
	return &clone
}

// URL returns base URL of the node.
func (b *Bee) URL() string {
	return b.url
}

// Owner returns address of the feed owner.
func (b *Bee) Owner() common.Address {
	return b.owner
}

func (b *Bee) ownerHex() string {
	return hex.EncodeToString(b.owner.Bytes())
}

// ReadFeed returns the latest update of the feed.
func (b *Bee) ReadFeed(ctx context.Context, topic string) (*FeedUpdate, error) {
	url := b.url + "/feeds/" + b.ownerHex() + "/" + hex.EncodeToString(TopicID(topic))
	resp, err := b.do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkResponse("read feed", resp); err != nil {
		return nil, err
	}

	index, err := strconv.ParseUint(resp.Header.Get(headerFeedIndex), 16, 64)
	if err != nil {
		return nil, errors.New("swarm: invalid feed index header: " + err.Error())
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &FeedUpdate{Index: index, Payload: payload}, nil
}

// WriteFeed uploads payload and points the feed update at index to it.
func (b *Bee) WriteFeed(ctx context.Context, topic string, index uint64, payload []byte) (string, error) {
	ref, err := b.UploadBlob(ctx, payload)
	if err != nil {
		return "", err
	}
	refBytes, err := hex.DecodeString(ref)
	if err != nil {
		return "", errors.New("swarm: invalid reference: " + err.Error())
	}

	// Feed update content: timestamp || reference.
	update := make([]byte, 8, 8+len(refBytes))
	binary.BigEndian.PutUint64(update, uint64(b.now().Unix()))
	update = append(update, refBytes...)

	soc, err := makeSOC(b.key, FeedIdentifier(TopicID(topic), index), update)
	if err != nil {
		return "", err
	}

	url := b.url + "/soc/" + b.ownerHex() + "/" + hex.EncodeToString(soc.identifier) +
		"?sig=" + hex.EncodeToString(soc.signature)
	resp, err := b.do(ctx, http.MethodPost, url, soc.data, b.uploadHeaders(false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkResponse("write feed", resp); err != nil {
		return "", err
	}
	return decodeReference(resp.Body)
}

// UploadBlob stores data on the network.
func (b *Bee) UploadBlob(ctx context.Context, data []byte) (string, error) {
	resp, err := b.do(ctx, http.MethodPost, b.url+"/bytes", data, b.uploadHeaders(true))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkResponse("upload", resp); err != nil {
		return "", err
	}
	return decodeReference(resp.Body)
}

// DownloadBlob fetches data by reference.
func (b *Bee) DownloadBlob(ctx context.Context, ref string) ([]byte, error) {
	resp, err := b.do(ctx, http.MethodGet, b.url+"/bytes/"+ref, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkResponse("download", resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func (b *Bee) uploadHeaders(redundancy bool) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/octet-stream")
	if b.stamp != "" {
		h.Set(headerStamp, b.stamp)
	}
	if redundancy && b.redundancy > RedundancyOff {
		h.Set(headerRedundancy, strconv.Itoa(b.redundancy))
	}
	return h
}

func (b *Bee) do(ctx context.Context, method, url string, body []byte, headers http.Header) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	return b.client.Do(req)
}

// checkResponse converts unsuccessful HTTP status into an error.
func checkResponse(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Drain the body so the connection could be reused.
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return &HTTPError{Op: op, Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
}

func decodeReference(body io.Reader) (string, error) {
	var result struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return "", errors.New("swarm: invalid response: " + err.Error())
	}
	if result.Reference == "" {
		return "", errors.New("swarm: empty reference in response")
	}
	return result.Reference, nil
}
