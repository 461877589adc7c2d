package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tinode/swarmagg/server/swarm"
)

// Give up mining after this many attempts.
const maxAttempts = 1 << 24

// Generate keys for the aggregator
//
//	keygen                         new feed signing key (CHAT_KEY)
//	keygen -overlay <hex> -depth 8 mine a GSOC resource key (GSOC_RESOURCE_ID) whose
//	                               channel address falls into the node's neighbourhood
//	keygen -validate <hex>         show the owner and GSOC address of an existing key
func main() {
	var topic = flag.String("topic", "chat-aggregator", "Name of the GSOC channel")
	var overlay = flag.String("overlay", "", "Overlay address of the node which receives GSOC messages")
	var depth = flag.Int("depth", 8, "Number of leading bits of the channel address which must match the overlay")
	var key = flag.String("validate", "", "Hex private key to validate")

	flag.Parse()

	if *key != "" {
		os.Exit(validate(os.Stdout, *key, *topic))
	}
	os.Exit(generate(os.Stdout, *topic, *overlay, *depth))
}

func generate(out io.Writer, topic, overlay string, depth int) int {
	var target []byte
	if overlay != "" {
		var err error
		if target, err = hex.DecodeString(strings.TrimPrefix(overlay, "0x")); err != nil || len(target) != 32 {
			fmt.Fprintln(out, "invalid overlay address", overlay)
			return 1
		}
		if depth < 0 || depth > 256 {
			fmt.Fprintln(out, "depth must be between 0 and 256")
			return 1
		}
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			fmt.Fprintln(out, "failed to generate key", err)
			return 1
		}
		hexkey := hex.EncodeToString(crypto.FromECDSA(key))
		if target == nil {
			return describe(out, hexkey, topic)
		}

		address, _ := swarm.GsocAddress(hexkey, topic)
		raw, _ := hex.DecodeString(address)
		if proximity(raw, target) >= depth {
			fmt.Fprintf(out, "mined in %d attempts\n", attempt+1)
			return describe(out, hexkey, topic)
		}
	}

	fmt.Fprintf(out, "no key found in %d attempts, try a smaller depth\n", maxAttempts)
	return 1
}

func validate(out io.Writer, hexkey, topic string) int {
	if _, err := swarm.ParseKey(hexkey); err != nil {
		fmt.Fprintln(out, "INVALID:", err)
		return 1
	}
	return describe(out, hexkey, topic)
}

func describe(out io.Writer, hexkey, topic string) int {
	key, err := swarm.ParseKey(hexkey)
	if err != nil {
		fmt.Fprintln(out, "INVALID:", err)
		return 1
	}
	address, err := swarm.GsocAddress(hexkey, topic)
	if err != nil {
		fmt.Fprintln(out, "INVALID:", err)
		return 1
	}

	fmt.Fprintf(out, "key:     %s\n", strings.TrimPrefix(hexkey, "0x"))
	fmt.Fprintf(out, "owner:   %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
	fmt.Fprintf(out, "gsoc:    %s (%s)\n", address, topic)
	return 0
}

// proximity returns the number of leading bits a and b have in common.
func proximity(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			for bit := 0; bit < 8; bit++ {
				if x&(0x80>>bit) != 0 {
					return i*8 + bit
				}
			}
		}
	}
	return n * 8
}
