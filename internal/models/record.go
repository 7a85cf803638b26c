package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
)

// Content type tags carried on the wire.
const (
	ContentTypeMessage = "u.types.message"
	ContentTypeProfile = "u.types.profile"
)

var (
	ErrAlreadySigned   = errors.New("record is already signed")
	ErrMalformedRecord = errors.New("malformed record")
)

// Kind is the closed set of content types the application understands.
// Anything else maps to KindUnknown and is ignored by consumers.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindProfile
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindProfile:
		return "profile"
	default:
		return "unknown"
	}
}

// KindOf maps a wire content type to its Kind.
func KindOf(contentType string) Kind {
	switch contentType {
	case ContentTypeMessage:
		return KindMessage
	case ContentTypeProfile:
		return KindProfile
	default:
		return KindUnknown
	}
}

// Record is a signed, content-addressed unit of data attached to a room root.
// ContentType stays a raw string so records of unknown types still verify.
type Record struct {
	ID            string `json:"id"`
	ContentType   string `json:"contentType"`
	CreatorPubKey string `json:"creatorPubKey"`
	CreationTime  int64  `json:"creationTime"` // Unix ms
	ParentID      string `json:"parentId"`
	Payload       string `json:"payload"` // message body or profile name
	Signature     string `json:"signature,omitempty"`
}

// NewRecord builds an unsigned record.
func NewRecord(contentType, parentID, payload string, creationTime int64) Record {
	return Record{
		ContentType:  contentType,
		ParentID:     parentID,
		Payload:      payload,
		CreationTime: creationTime,
	}
}

// Kind returns the record's content kind.
func (r Record) Kind() Kind {
	return KindOf(r.ContentType)
}

// Signed reports whether the record has been sealed by Sign.
func (r Record) Signed() bool {
	return r.ID != "" || r.Signature != ""
}

// Time returns the creation time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.CreationTime)
}

// canonical is the signed field set, in fixed order.
type canonicalRecord struct {
	ContentType   string `json:"contentType"`
	CreatorPubKey string `json:"creatorPubKey"`
	CreationTime  int64  `json:"creationTime"`
	ParentID      string `json:"parentId"`
	Payload       string `json:"payload"`
}

func (r Record) canonicalBytes() []byte {
	data, _ := json.Marshal(canonicalRecord{
		ContentType:   r.ContentType,
		CreatorPubKey: r.CreatorPubKey,
		CreationTime:  r.CreationTime,
		ParentID:      r.ParentID,
		Payload:       r.Payload,
	})
	return data
}

// Sign seals the record with kp: it sets the creator, derives the id from the
// canonical content and signs it. The receiver is not modified.
func (r Record) Sign(kp crypto.KeyPair) (Record, error) {
	if r.Signed() {
		return Record{}, ErrAlreadySigned
	}
	r.CreatorPubKey = kp.Pub

	canonical := r.canonicalBytes()
	sig, err := kp.Sign(canonical)
	if err != nil {
		return Record{}, err
	}
	r.ID = crypto.ContentID(canonical)
	r.Signature = sig
	return r, nil
}

// Verify checks the record's structure, that its id matches its content and
// that the signature verifies against CreatorPubKey.
func (r Record) Verify() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedRecord)
	case r.CreatorPubKey == "":
		return fmt.Errorf("%w: missing creator", ErrMalformedRecord)
	case r.ParentID == "":
		return fmt.Errorf("%w: missing parent", ErrMalformedRecord)
	case r.CreationTime <= 0:
		return fmt.Errorf("%w: invalid creation time %d", ErrMalformedRecord, r.CreationTime)
	case !utf8.ValidString(r.Payload):
		return fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedRecord)
	}

	canonical := r.canonicalBytes()
	if crypto.ContentID(canonical) != r.ID {
		return fmt.Errorf("%w: id does not match content", ErrMalformedRecord)
	}
	return crypto.Verify(r.CreatorPubKey, canonical, r.Signature)
}
