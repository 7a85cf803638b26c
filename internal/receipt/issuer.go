// Package receipt decides who may hold and relay an outgoing record, for how
// long and through how many relay generations.
package receipt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/metrics"
	"github.com/eldtechnologies/roomrelay/internal/models"
)

var (
	ErrInvalidMaxIssue = errors.New("maxIssue must be at least 1")
	ErrMissingRecordID = errors.New("record id is required")
	ErrUnknownMode     = errors.New("unknown distribution mode")
)

// Mode is the distribution mode of an instance.
type Mode int

const (
	// ModePeerToPeer issues a private self receipt plus one receipt per peer.
	ModePeerToPeer Mode = iota
	// ModeServer issues a single self receipt and lets the server relay it.
	ModeServer
)

func (m Mode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "p2p"
}

// ParseMode parses the configuration spelling of a mode. Empty means p2p.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "p2p", "peer", "peer-to-peer":
		return ModePeerToPeer, nil
	case "server":
		return ModeServer, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Policy is the distribution policy applied to every outgoing record.
type Policy struct {
	Mode     Mode
	Expire   time.Duration // zero means receipts never expire
	MaxIssue int
	Targets  []string // peer identities, used in p2p mode
}

// Issuer signs receipts with the local key pair.
type Issuer struct {
	keys   crypto.KeyPair
	policy Policy
}

// NewIssuer creates an Issuer applying policy.
func NewIssuer(keys crypto.KeyPair, policy Policy) (*Issuer, error) {
	if policy.MaxIssue < 1 {
		return nil, ErrInvalidMaxIssue
	}
	return &Issuer{keys: keys, policy: policy}, nil
}

// Policy returns the issuer's policy.
func (i *Issuer) Policy() Policy {
	return i.policy
}

// Issue produces the receipts for recordID issued at now (Unix ms).
func (i *Issuer) Issue(recordID string, now int64) ([]models.Receipt, error) {
	p := i.policy
	return Issue(recordID, now, p.Expire, p.MaxIssue, p.Targets, p.Mode, i.keys)
}

// Issue produces signed receipts for recordID.
//
// In server mode a single receipt targets the signer with maxIssue; the server
// extends it further. In p2p mode exactly one self receipt with maxIssue 1 is
// always emitted, plus one receipt with maxIssue per distinct peer target.
// The record itself is never touched.
func Issue(recordID string, now int64, expire time.Duration, maxIssue int, targets []string, mode Mode, keys crypto.KeyPair) ([]models.Receipt, error) {
	if recordID == "" {
		return nil, ErrMissingRecordID
	}
	if maxIssue < 1 {
		return nil, ErrInvalidMaxIssue
	}

	var expiresAt *int64
	if expire > 0 {
		at := now + expire.Milliseconds()
		expiresAt = &at
	}

	build := func(target string, issue int) (models.Receipt, error) {
		r := models.Receipt{
			RecordID:     recordID,
			IssuedAt:     now,
			MaxIssue:     issue,
			TargetPubKey: target,
		}
		if expiresAt != nil {
			at := *expiresAt
			r.ExpiresAt = &at
		}
		return r.Sign(keys)
	}

	var receipts []models.Receipt
	switch mode {
	case ModeServer:
		r, err := build(keys.Pub, maxIssue)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)

	case ModePeerToPeer:
		self, err := build(keys.Pub, 1)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, self)

		seen := map[string]bool{keys.Pub: true}
		for _, target := range targets {
			if target == "" || seen[target] {
				continue
			}
			seen[target] = true

			r, err := build(target, maxIssue)
			if err != nil {
				return nil, err
			}
			receipts = append(receipts, r)
		}

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}

	metrics.ReceiptsIssued.WithLabelValues(mode.String()).Add(float64(len(receipts)))
	return receipts, nil
}
