// Command keygen generates credential material for the Overseer config:
// an ed25519 signing seed for auth.signing_keys, or a random pre-shared
// API key for auth.static_keys.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
)

func main() {
	kind := flag.String("type", "seed", "what to generate: seed (signing key) or apikey (static key)")
	flag.Parse()

	switch *kind {
	case "seed":
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
			os.Exit(1)
		}
		pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
		sum := sha256.Sum256(pub)
		fmt.Printf("seed:   %s\n", base64.StdEncoding.EncodeToString(seed))
		fmt.Printf("key id: %s\n", hex.EncodeToString(sum[:4]))
	case "apikey":
		key := make([]byte, 24)
		if _, err := rand.Read(key); err != nil {
			fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(base64.RawURLEncoding.EncodeToString(key))
	default:
		fmt.Fprintf(os.Stderr, "keygen: unknown type %q\n", *kind)
		os.Exit(1)
	}
}
