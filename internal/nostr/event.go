// Package nostr holds the event model of the relay network: canonical
// serialization, ids, BIP-340 signatures, tags and subscription filters.
package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	KindJobRequestMin = 5000
	KindJobRequestMax = 5999
	KindJobResultMin  = 6000
	KindJobResultMax  = 6999
	KindJobFeedback   = 7000

	KindTextGeneration = 5050
)

var (
	ErrInvalidID        = errors.New("event id does not match content")
	ErrInvalidSignature = errors.New("event signature is invalid")
)

// Event is a signed relay message.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

func IsJobRequestKind(kind int) bool {
	return kind >= KindJobRequestMin && kind <= KindJobRequestMax
}

func IsJobResultKind(kind int) bool {
	return kind >= KindJobResultMin && kind <= KindJobResultMax
}

// Serialize returns the canonical array form used to compute the event id:
// [0,pubkey,created_at,kind,tags,content].
func (e Event) Serialize() []byte {
	buf := make([]byte, 0, 128+len(e.Content))
	buf = append(buf, `[0,"`...)
	buf = append(buf, e.PubKey...)
	buf = append(buf, `",`...)
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, ",["...)
	for i, tag := range e.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, value := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendQuoted(buf, value)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, "],"...)
	buf = appendQuoted(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

func (e Event) Hash() [32]byte {
	return sha256.Sum256(e.Serialize())
}

func (e Event) ComputeID() string {
	sum := e.Hash()
	return hex.EncodeToString(sum[:])
}

// Sign fills PubKey, ID and Sig using the hex-encoded private key.
// CreatedAt is set to now when it is zero.
func (e *Event) Sign(privateKeyHex string) error {
	keys, err := ParseKeyPair(privateKeyHex)
	if err != nil {
		return err
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	e.PubKey = keys.PublicKeyHex
	hash := e.Hash()
	sig, err := keys.sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.ID = hex.EncodeToString(hash[:])
	e.Sig = sig
	return nil
}

// Verify checks the id and the signature of the event.
func (e Event) Verify() error {
	hash := e.Hash()
	if hex.EncodeToString(hash[:]) != e.ID {
		return ErrInvalidID
	}
	if !verifySignature(e.PubKey, hash[:], e.Sig) {
		return ErrInvalidSignature
	}
	return nil
}

// JSON returns the wire encoding of the event.
func (e Event) JSON() string {
	if e.Tags == nil {
		e.Tags = Tags{}
	}
	encoded, _ := json.Marshal(e)
	return string(encoded)
}

func appendQuoted(buf []byte, value string) []byte {
	const hexDigits = "0123456789abcdef"
	buf = append(buf, '"')
	for i := 0; i < len(value); i++ {
		c := value[i]
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
