package models

import (
	"encoding/json"
	"fmt"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
)

// Receipt authorizes TargetPubKey to hold and relay exactly one record until
// ExpiresAt, through at most MaxIssue further re-issuance generations.
type Receipt struct {
	ID           string `json:"id"`
	RecordID     string `json:"recordId"`
	IssuedAt     int64  `json:"issuedAt"`
	ExpiresAt    *int64 `json:"expiresAt,omitempty"` // nil never expires
	MaxIssue     int    `json:"maxIssue"`
	TargetPubKey string `json:"targetPubKey"`
	IssuerPubKey string `json:"issuerPubKey"`
	Signature    string `json:"signature,omitempty"`
}

type canonicalReceipt struct {
	RecordID     string `json:"recordId"`
	IssuedAt     int64  `json:"issuedAt"`
	ExpiresAt    *int64 `json:"expiresAt"`
	MaxIssue     int    `json:"maxIssue"`
	TargetPubKey string `json:"targetPubKey"`
	IssuerPubKey string `json:"issuerPubKey"`
}

func (r Receipt) canonicalBytes() []byte {
	data, _ := json.Marshal(canonicalReceipt{
		RecordID:     r.RecordID,
		IssuedAt:     r.IssuedAt,
		ExpiresAt:    r.ExpiresAt,
		MaxIssue:     r.MaxIssue,
		TargetPubKey: r.TargetPubKey,
		IssuerPubKey: r.IssuerPubKey,
	})
	return data
}

// Sign sets the issuer and signs the receipt.
func (r Receipt) Sign(kp crypto.KeyPair) (Receipt, error) {
	r.IssuerPubKey = kp.Pub
	canonical := r.canonicalBytes()
	sig, err := kp.Sign(canonical)
	if err != nil {
		return Receipt{}, err
	}
	r.ID = crypto.ContentID(canonical)
	r.Signature = sig
	return r, nil
}

// Verify checks structure and the issuer's signature.
func (r Receipt) Verify() error {
	switch {
	case r.RecordID == "":
		return fmt.Errorf("%w: receipt without record id", ErrMalformedRecord)
	case r.TargetPubKey == "":
		return fmt.Errorf("%w: receipt without target", ErrMalformedRecord)
	case r.MaxIssue < 1:
		return fmt.Errorf("%w: receipt maxIssue %d", ErrMalformedRecord, r.MaxIssue)
	}
	canonical := r.canonicalBytes()
	if crypto.ContentID(canonical) != r.ID {
		return fmt.Errorf("%w: receipt id does not match content", ErrMalformedRecord)
	}
	return crypto.Verify(r.IssuerPubKey, canonical, r.Signature)
}

// Expired reports whether the receipt is no longer valid at nowMs.
func (r Receipt) Expired(nowMs int64) bool {
	return r.ExpiresAt != nil && *r.ExpiresAt <= nowMs
}

// Permits reports whether the receipt lets target hold the record at nowMs.
func (r Receipt) Permits(target string, nowMs int64) bool {
	return r.TargetPubKey == target && !r.Expired(nowMs)
}
