// Package nostr builds and signs Nostr events.
package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// ErrInvalidKey is returned for key material that is not a canonical 32-byte secret.
var ErrInvalidKey = errors.New("invalid private key")

const (
	nsecPrefix = "nsec"
	npubPrefix = "npub"
	keyLen     = 32
)

// PrivateKey is a secp256k1 secret used for BIP-340 signatures.
type PrivateKey struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// ParsePrivateKey accepts either 64 hex characters or an nsec1 bech32 string.
// Shorter hex strings are rejected rather than padded.
func ParsePrivateKey(s string) (*PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	var raw []byte
	if strings.HasPrefix(strings.ToLower(s), nsecPrefix+"1") {
		b, err := decodeBech32(s, nsecPrefix)
		if err != nil {
			return nil, err
		}
		raw = b
	} else {
		if len(s) != 2*keyLen {
			return nil, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidKey, 2*keyLen, len(s))
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		raw = b
	}

	return privateKeyFromBytes(raw)
}

func privateKeyFromBytes(raw []byte) (*PrivateKey, error) {
	if len(raw) != keyLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, keyLen, len(raw))
	}

	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: secret out of range", ErrInvalidKey)
	}

	priv, pub := btcec.PrivKeyFromBytes(raw)
	return &PrivateKey{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

// PublicKey returns the x-only public key as lowercase hex.
func (k *PrivateKey) PublicKey() string {
	return k.pubHex
}

// NPub returns the bech32 npub encoding of the public key.
func (k *PrivateKey) NPub() (string, error) {
	return EncodePublicKey(k.pubHex)
}

// EncodePublicKey converts a hex public key to its npub form.
func EncodePublicKey(pubHex string) (string, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != keyLen {
		return "", fmt.Errorf("invalid public key %q", pubHex)
	}
	data, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	return bech32.Encode(npubPrefix, data)
}

func decodeBech32(s, wantHRP string) ([]byte, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if hrp != wantHRP {
		return nil, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidKey, hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return raw, nil
}
