package swarm

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

const (
	// Size of a chunk payload.
	chunkSize = 4096
	// Size of a BMT segment.
	segmentSize = 32
	// Size of the span prefix of a chunk.
	spanSize = 8
)

// keccak256 hashes concatenation of the arguments.
func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// TopicID converts human-readable topic name into a 32 byte feed topic.
func TopicID(name string) []byte {
	return keccak256([]byte(name))
}

// FeedIdentifier computes the single owner chunk identifier of the feed update at index.
func FeedIdentifier(topic []byte, index uint64) []byte {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return keccak256(topic, idx[:])
}

// SOCAddress is the address of a single owner chunk.
func SOCAddress(identifier []byte, owner common.Address) []byte {
	return keccak256(identifier, owner.Bytes())
}

// makeSpan encodes payload length as a little-endian span.
func makeSpan(length int) []byte {
	span := make([]byte, spanSize)
	binary.LittleEndian.PutUint64(span, uint64(length))
	return span
}

// bmtRoot computes the binary Merkle tree root of a single chunk payload.
func bmtRoot(payload []byte) []byte {
	level := make([]byte, chunkSize)
	copy(level, payload)

	for len(level) > segmentSize {
		next := make([]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 * segmentSize {
			copy(next[i/2:], keccak256(level[i:i+2*segmentSize]))
		}
		level = next
	}
	return level
}

// ContentAddress is the address of a content-addressed chunk with the given payload.
func ContentAddress(payload []byte) ([]byte, error) {
	if len(payload) > chunkSize {
		return nil, errors.New("swarm: chunk payload too large")
	}
	return keccak256(makeSpan(len(payload)), bmtRoot(payload)), nil
}

// signDigest signs digest the way Ethereum wallets sign messages: with the
// "\x19Ethereum Signed Message" prefix and V in {27, 28}.
func signDigest(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	prefixed := keccak256([]byte("\x19Ethereum Signed Message:\n32"), digest)
	sig, err := crypto.Sign(prefixed, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// recoverOwner returns address of the key which signed digest.
func recoverOwner(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.New("swarm: invalid signature length")
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	s[64] -= 27
	prefixed := keccak256([]byte("\x19Ethereum Signed Message:\n32"), digest)
	pub, err := crypto.SigToPub(prefixed, s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// singleOwnerChunk is a signed chunk ready for upload.
type singleOwnerChunk struct {
	identifier []byte
	signature  []byte
	// span || payload
	data []byte
}

// makeSOC wraps payload into a content-addressed chunk and signs it with key under identifier.
func makeSOC(key *ecdsa.PrivateKey, identifier, payload []byte) (*singleOwnerChunk, error) {
	addr, err := ContentAddress(payload)
	if err != nil {
		return nil, err
	}
	sig, err := signDigest(key, keccak256(identifier, addr))
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, spanSize+len(payload))
	data = append(data, makeSpan(len(payload))...)
	data = append(data, payload...)
	return &singleOwnerChunk{identifier: identifier, signature: sig, data: data}, nil
}

// ParseKey parses hex-encoded secp256k1 private key, with or without 0x prefix.
func ParseKey(hexkey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexkey), "0x"))
}

// GsocAddress returns hex address of the GSOC channel identified by the resource key
// and topic name.
func GsocAddress(resourceKey, topic string) (string, error) {
	key, err := ParseKey(resourceKey)
	if err != nil {
		return "", err
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	return hex.EncodeToString(SOCAddress(TopicID(topic), owner)), nil
}
