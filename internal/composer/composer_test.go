package composer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/receipt"
	"github.com/eldtechnologies/roomrelay/internal/substrate"
)

const testRoot = "room-root"

type fakeStorage struct {
	connected bool
	err       error
	stored    []substrate.StoreRequest
}

func (f *fakeStorage) IsConnected() bool { return f.connected }

func (f *fakeStorage) Store(ctx context.Context, req substrate.StoreRequest) error {
	if f.err != nil {
		return f.err
	}
	f.stored = append(f.stored, req)
	return nil
}

func newKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func newComposer(t *testing.T, policy receipt.Policy, storage Submitter) (*Composer, crypto.KeyPair) {
	t.Helper()
	kp := newKeyPair(t)
	issuer, err := receipt.NewIssuer(kp, policy)
	if err != nil {
		t.Fatal(err)
	}
	return New(kp, testRoot, issuer, storage, zerolog.Nop()), kp
}

func TestComposeMessage(t *testing.T) {
	peerA, peerB := newKeyPair(t), newKeyPair(t)
	c, kp := newComposer(t, receipt.Policy{
		Mode:     receipt.ModePeerToPeer,
		Expire:   60 * time.Second,
		MaxIssue: 2,
		Targets:  []string{peerA.Pub, peerB.Pub},
	}, &fakeStorage{connected: true})

	const t0 = int64(1_700_000_000_000)
	rec, receipts, err := c.Compose("hello", t0)
	if err != nil {
		t.Fatal(err)
	}

	if rec.Kind() != models.KindMessage || rec.Payload != "hello" || rec.ParentID != testRoot {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.CreationTime != t0 || rec.CreatorPubKey != kp.Pub {
		t.Errorf("unexpected creation fields %+v", rec)
	}
	if err := rec.Verify(); err != nil {
		t.Errorf("record does not verify: %v", err)
	}

	if len(receipts) != 3 {
		t.Fatalf("expected 3 receipts, got %d", len(receipts))
	}
	self := receipts[0]
	if self.TargetPubKey != kp.Pub || self.MaxIssue != 1 {
		t.Errorf("unexpected self receipt %+v", self)
	}
	if self.ExpiresAt == nil || *self.ExpiresAt != t0+60000 {
		t.Errorf("expected self receipt to expire at t0+60000, got %v", self.ExpiresAt)
	}
	for _, r := range receipts {
		if r.RecordID != rec.ID {
			t.Errorf("receipt for %s, want %s", r.RecordID, rec.ID)
		}
	}

	// same input, same record id
	again, _, err := c.Compose("hello", t0)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != rec.ID {
		t.Error("record id is not content derived")
	}
}

func TestComposeRequiresConnection(t *testing.T) {
	storage := &fakeStorage{}
	c, _ := newComposer(t, receipt.Policy{MaxIssue: 1}, storage)

	if _, _, err := c.Compose("hello", 1); !errors.Is(err, substrate.ErrNotConnected) {
		t.Errorf("Compose: expected ErrNotConnected, got %v", err)
	}

	echoed := false
	if _, err := c.Send(context.Background(), "hello", 1, func(models.Record) { echoed = true }); !errors.Is(err, substrate.ErrNotConnected) {
		t.Errorf("Send: expected ErrNotConnected, got %v", err)
	}
	if echoed || len(storage.stored) != 0 {
		t.Error("disconnected send produced output")
	}

	if _, err := c.SaveProfile(context.Background(), "alice", 1); !errors.Is(err, substrate.ErrNotConnected) {
		t.Errorf("SaveProfile: expected ErrNotConnected, got %v", err)
	}
}

func TestSendStoresRecordWithReceipts(t *testing.T) {
	storage := &fakeStorage{connected: true}
	c, _ := newComposer(t, receipt.Policy{Mode: receipt.ModeServer, MaxIssue: 3}, storage)

	var echoed []models.Record
	rec, err := c.Send(context.Background(), "hi", 42, func(r models.Record) { echoed = append(echoed, r) })
	if err != nil {
		t.Fatal(err)
	}
	if len(echoed) != 1 || echoed[0].ID != rec.ID {
		t.Errorf("expected one echo of the record, got %v", echoed)
	}
	if len(storage.stored) != 1 {
		t.Fatalf("expected one store call, got %d", len(storage.stored))
	}
	req := storage.stored[0]
	if len(req.Nodes) != 1 || req.Nodes[0].ID != rec.ID {
		t.Errorf("unexpected nodes %+v", req.Nodes)
	}
	if len(req.Receipts) != 1 || req.Receipts[0].MaxIssue != 3 {
		t.Errorf("expected one server receipt with maxIssue 3, got %+v", req.Receipts)
	}
}

func TestSendStoreFailureKeepsEcho(t *testing.T) {
	storage := &fakeStorage{connected: true, err: substrate.ErrStore}
	c, _ := newComposer(t, receipt.Policy{MaxIssue: 1}, storage)

	echoed := 0
	_, err := c.Send(context.Background(), "hi", 42, func(models.Record) { echoed++ })
	if !errors.Is(err, substrate.ErrStore) {
		t.Errorf("expected ErrStore, got %v", err)
	}
	if echoed != 1 {
		t.Errorf("expected the echo to stay, got %d", echoed)
	}
}

func TestSaveProfile(t *testing.T) {
	storage := &fakeStorage{connected: true}
	c, kp := newComposer(t, receipt.Policy{MaxIssue: 1}, storage)

	if _, err := c.SaveProfile(context.Background(), "   ", 1); !errors.Is(err, ErrEmptyProfileName) {
		t.Errorf("expected ErrEmptyProfileName, got %v", err)
	}

	rec, err := c.SaveProfile(context.Background(), " alice ", 5)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Kind() != models.KindProfile || rec.Payload != "alice" || rec.CreatorPubKey != kp.Pub {
		t.Errorf("unexpected profile record %+v", rec)
	}
	if len(storage.stored) != 1 || len(storage.stored[0].Receipts) != 0 {
		t.Errorf("profile must be stored without receipts, got %+v", storage.stored)
	}
}
