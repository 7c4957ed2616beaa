package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// KindTextNote is the event kind for short text notes.
const KindTextNote = 1

// Event is a signed Nostr event as sent to relays.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical form hashed into the event ID:
// [0,pubkey,created_at,kind,tags,content] without insignificant whitespace.
func (e *Event) Serialize() []byte {
	buf := make([]byte, 0, 128+len(e.Content))
	buf = append(buf, `[0,`...)
	buf = appendString(buf, e.PubKey)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, ',', '[')
	for i, tag := range e.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, v := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, v)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, ']', ',')
	buf = appendString(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

// Hash returns the sha256 digest of the canonical serialization.
func (e *Event) Hash() [32]byte {
	return sha256.Sum256(e.Serialize())
}

// Sign sets PubKey, ID and Sig from key. The nonce is derived
// deterministically, so signing identical fields twice yields the same Sig.
func (e *Event) Sign(key *PrivateKey) error {
	if key == nil {
		return fmt.Errorf("%w: nil key", ErrInvalidKey)
	}
	e.PubKey = key.pubHex
	h := e.Hash()
	e.ID = hex.EncodeToString(h[:])

	sig, err := schnorr.Sign(key.priv, h[:])
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that ID matches the content and Sig is valid for PubKey.
func (e *Event) Verify() error {
	h := e.Hash()
	if hex.EncodeToString(h[:]) != e.ID {
		return errors.New("event id does not match content")
	}

	pub, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	pk, err := schnorr.ParsePubKey(pub)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}
	rawSig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("decode sig: %w", err)
	}
	sig, err := schnorr.ParseSignature(rawSig)
	if err != nil {
		return fmt.Errorf("parse sig: %w", err)
	}
	if !sig.Verify(h[:], pk) {
		return errors.New("invalid signature")
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// appendString writes s as a JSON string using the minimal escaping the
// protocol mandates; HTML characters and non-ASCII runes are written raw.
func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		default:
			if c < 0x20 {
				buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
				continue
			}
			buf = append(buf, c)
		}
	}
	return append(buf, '"')
}
