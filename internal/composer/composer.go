// Package composer builds, signs and submits outgoing records.
package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/receipt"
	"github.com/eldtechnologies/roomrelay/internal/substrate"
)

var ErrEmptyProfileName = errors.New("profile name is required")

// Submitter is the part of the storage substrate the composer writes to.
type Submitter interface {
	IsConnected() bool
	Store(ctx context.Context, req substrate.StoreRequest) error
}

// Composer turns user input into signed records below one room root.
type Composer struct {
	keys    crypto.KeyPair
	root    string
	issuer  *receipt.Issuer
	storage Submitter
	logger  zerolog.Logger
}

// New creates a Composer. The issuer's policy carries the peer targets.
func New(keys crypto.KeyPair, root string, issuer *receipt.Issuer, storage Submitter, logger zerolog.Logger) *Composer {
	return &Composer{
		keys:    keys,
		root:    root,
		issuer:  issuer,
		storage: storage,
		logger:  logger.With().Str("component", "composer").Logger(),
	}
}

// Compose signs a message record created at now (Unix ms) and issues its
// receipts. Nothing is produced while storage is disconnected.
func (c *Composer) Compose(text string, now int64) (models.Record, []models.Receipt, error) {
	if !c.storage.IsConnected() {
		return models.Record{}, nil, substrate.ErrNotConnected
	}

	rec, err := models.NewRecord(models.ContentTypeMessage, c.root, text, now).Sign(c.keys)
	if err != nil {
		return models.Record{}, nil, fmt.Errorf("sign message: %w", err)
	}
	receipts, err := c.issuer.Issue(rec.ID, now)
	if err != nil {
		return models.Record{}, nil, fmt.Errorf("issue receipts: %w", err)
	}
	return rec, receipts, nil
}

// Send composes a message and stores it with its receipts in one call. echo,
// if set, sees the record before it is stored; a failed store does not undo
// the echo.
func (c *Composer) Send(ctx context.Context, text string, now int64, echo func(models.Record)) (models.Record, error) {
	rec, receipts, err := c.Compose(text, now)
	if err != nil {
		return models.Record{}, err
	}
	if echo != nil {
		echo(rec)
	}

	if err := c.storage.Store(ctx, substrate.StoreRequest{Nodes: []models.Record{rec}, Receipts: receipts}); err != nil {
		c.logger.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to store message")
		return rec, err
	}
	c.logger.Debug().Str("record_id", rec.ID).Int("receipts", len(receipts)).Msg("Message stored")
	return rec, nil
}

// ComposeProfile signs a profile record announcing name.
func (c *Composer) ComposeProfile(name string, now int64) (models.Record, error) {
	if !c.storage.IsConnected() {
		return models.Record{}, substrate.ErrNotConnected
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Record{}, ErrEmptyProfileName
	}

	rec, err := models.NewRecord(models.ContentTypeProfile, c.root, name, now).Sign(c.keys)
	if err != nil {
		return models.Record{}, fmt.Errorf("sign profile: %w", err)
	}
	return rec, nil
}

// SaveProfile composes a profile record and stores it. Profile records
// carry no receipts.
func (c *Composer) SaveProfile(ctx context.Context, name string, now int64) (models.Record, error) {
	rec, err := c.ComposeProfile(name, now)
	if err != nil {
		return models.Record{}, err
	}
	if err := c.storage.Store(ctx, substrate.StoreRequest{Nodes: []models.Record{rec}}); err != nil {
		c.logger.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to store profile")
		return rec, err
	}
	return rec, nil
}
