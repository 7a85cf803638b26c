package substrate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/receipt"
	"github.com/eldtechnologies/roomrelay/internal/store"
)

const testRoot = "room-root"

func newKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func newConnectedLocal(t *testing.T) *Local {
	t.Helper()
	l := NewLocal(store.NewMemoryStore(), nil, zerolog.Nop())
	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func message(t *testing.T, kp crypto.KeyPair, text string, ts int64) models.Record {
	t.Helper()
	rec, err := models.NewRecord(models.ContentTypeMessage, testRoot, text, ts).Sign(kp)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

type batches struct {
	mu  sync.Mutex
	got []models.Batch
}

func (b *batches) add(batch models.Batch) {
	b.mu.Lock()
	b.got = append(b.got, batch)
	b.mu.Unlock()
}

func (b *batches) all() []models.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Batch(nil), b.got...)
}

func TestLocalRequiresConnection(t *testing.T) {
	l := NewLocal(store.NewMemoryStore(), nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := l.Subscribe(ctx, testRoot, 1, true, func(models.Batch) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe: expected ErrNotConnected, got %v", err)
	}
	if _, err := l.Fetch(ctx, testRoot, 1, nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Fetch: expected ErrNotConnected, got %v", err)
	}
	if err := l.Store(ctx, StoreRequest{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Store: expected ErrNotConnected, got %v", err)
	}
}

func TestLocalLifecycleCallbacks(t *testing.T) {
	l := NewLocal(store.NewMemoryStore(), nil, zerolog.Nop())
	var connects, disconnects int
	l.OnConnect(func() { connects++ })
	l.OnDisconnect(func() { disconnects++ })

	if err := l.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !l.IsConnected() || connects != 1 {
		t.Fatalf("expected connected with one callback, got %v/%d", l.IsConnected(), connects)
	}
	l.Close()
	l.Close()
	if l.IsConnected() || disconnects != 1 {
		t.Fatalf("expected one disconnect callback, got %d", disconnects)
	}
}

func TestLocalStoreDeliversToSubscribers(t *testing.T) {
	l := newConnectedLocal(t)
	kp := newKeyPair(t)
	ctx := context.Background()

	var got batches
	sub, err := l.Subscribe(ctx, testRoot, 1, true, got.add)
	if err != nil {
		t.Fatal(err)
	}

	rec := message(t, kp, "hello", 1000)
	receipts, err := receipt.Issue(rec.ID, 1000, 0, 1, nil, receipt.ModePeerToPeer, kp)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Store(ctx, StoreRequest{Nodes: []models.Record{rec}, Receipts: receipts}); err != nil {
		t.Fatal(err)
	}

	// storing the same record again is not a new delivery
	if err := l.Store(ctx, StoreRequest{Nodes: []models.Record{rec}}); err != nil {
		t.Fatal(err)
	}

	all := got.all()
	if len(all) != 1 || len(all[0].Records) != 1 || all[0].Records[0].ID != rec.ID {
		t.Fatalf("expected one delivery of the record, got %+v", all)
	}

	sub.Close()
	if err := l.Store(ctx, StoreRequest{Nodes: []models.Record{message(t, kp, "later", 2000)}}); err != nil {
		t.Fatal(err)
	}
	if len(got.all()) != 1 {
		t.Fatal("closed subscription still receives batches")
	}
}

func TestLocalStoreRejectsInvalidRequests(t *testing.T) {
	l := newConnectedLocal(t)
	kp := newKeyPair(t)
	ctx := context.Background()

	tampered := message(t, kp, "hello", 1000)
	tampered.Payload = "bye"
	if err := l.Store(ctx, StoreRequest{Nodes: []models.Record{tampered}}); !errors.Is(err, ErrStore) {
		t.Errorf("expected ErrStore for a tampered node, got %v", err)
	}

	rec := message(t, kp, "hello", 1000)
	stray, err := receipt.Issue("some-other-record", 1000, 0, 1, nil, receipt.ModeServer, kp)
	if err != nil {
		t.Fatal(err)
	}
	err = l.Store(ctx, StoreRequest{Nodes: []models.Record{rec}, Receipts: stray})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for an unlinked receipt, got %v", err)
	}

	batch, err := l.Fetch(ctx, testRoot, 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != 0 {
		t.Fatal("rejected request left records behind")
	}
}

func TestLocalFetchPaging(t *testing.T) {
	l := newConnectedLocal(t)
	kp := newKeyPair(t)
	ctx := context.Background()

	var recs []models.Record
	for i, text := range []string{"one", "two", "three"} {
		rec := message(t, kp, text, int64(i+1)*1000)
		recs = append(recs, rec)
		if err := l.Store(ctx, StoreRequest{Nodes: []models.Record{rec}}); err != nil {
			t.Fatal(err)
		}
	}

	criteria := Criteria{0: {Discard: true}, 1: {Limit: 2}}
	batch, err := l.Fetch(ctx, testRoot, 1, criteria, &Ordering{Direction: Descending})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != 2 || batch.Records[0].Payload != "three" || batch.Records[1].Payload != "two" {
		t.Fatalf("unexpected first page %+v", batch.Records)
	}

	criteria[1] = LevelCriteria{Limit: 2, CursorNodeID: batch.Records[1].ID}
	batch, err = l.Fetch(ctx, testRoot, 1, criteria, &Ordering{Direction: Descending})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != 1 || batch.Records[0].ID != recs[0].ID {
		t.Fatalf("unexpected second page %+v", batch.Records)
	}

	if _, err := l.Fetch(ctx, testRoot, 2, criteria, nil); !errors.Is(err, ErrUnsupportedDepth) {
		t.Fatalf("expected ErrUnsupportedDepth, got %v", err)
	}
}

func TestLocalPurgeExpiredNotifiesDeletions(t *testing.T) {
	l := newConnectedLocal(t)
	kp := newKeyPair(t)
	ctx := context.Background()

	var withDeleted, withoutDeleted batches
	if _, err := l.Subscribe(ctx, testRoot, 1, true, withDeleted.add); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Subscribe(ctx, testRoot, 1, false, withoutDeleted.add); err != nil {
		t.Fatal(err)
	}

	short := message(t, kp, "short lived", 1000)
	shortReceipts, _ := receipt.Issue(short.ID, 1000, 60*time.Second, 1, nil, receipt.ModeServer, kp)
	forever := message(t, kp, "forever", 2000)
	foreverReceipts, _ := receipt.Issue(forever.ID, 2000, 0, 1, nil, receipt.ModeServer, kp)

	req := StoreRequest{
		Nodes:    []models.Record{short, forever},
		Receipts: append(shortReceipts, foreverReceipts...),
	}
	if err := l.Store(ctx, req); err != nil {
		t.Fatal(err)
	}

	n, err := l.PurgeExpired(ctx, 1000+60_000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one purged record, got %d", n)
	}

	last := withDeleted.all()
	if len(last) != 2 || len(last[1].DeletedRecordIDs) != 1 || last[1].DeletedRecordIDs[0] != short.ID {
		t.Fatalf("expected a deletion batch, got %+v", last)
	}
	if len(withoutDeleted.all()) != 1 {
		t.Fatal("subscriber without includeDeleted got a deletion batch")
	}

	batch, err := l.Fetch(ctx, testRoot, 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != 1 || batch.Records[0].ID != forever.ID {
		t.Fatalf("expected only the unexpired record, got %+v", batch.Records)
	}
}

func TestLocalExportHonorsReceipts(t *testing.T) {
	l := newConnectedLocal(t)
	self := newKeyPair(t)
	peer := newKeyPair(t)
	stranger := newKeyPair(t)
	ctx := context.Background()

	shared := message(t, self, "for the peer", 1000)
	sharedReceipts, _ := receipt.Issue(shared.ID, 1000, 0, 2, []string{peer.Pub}, receipt.ModePeerToPeer, self)
	private := message(t, self, "kept here", 2000)
	privateReceipts, _ := receipt.Issue(private.ID, 2000, 0, 2, nil, receipt.ModePeerToPeer, self)

	req := StoreRequest{
		Nodes:    []models.Record{shared, private},
		Receipts: append(sharedReceipts, privateReceipts...),
	}
	if err := l.Store(ctx, req); err != nil {
		t.Fatal(err)
	}

	out, err := l.Export(ctx, testRoot, peer.Pub, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Nodes) != 1 || out.Nodes[0].ID != shared.ID {
		t.Fatalf("expected only the shared record, got %+v", out.Nodes)
	}
	if len(out.Receipts) != 1 || out.Receipts[0].TargetPubKey != peer.Pub || out.Receipts[0].MaxIssue != 2 {
		t.Fatalf("unexpected exported receipts %+v", out.Receipts)
	}

	none, err := l.Export(ctx, testRoot, stranger.Pub, 5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(none.Nodes) != 0 {
		t.Fatal("stranger received records without a receipt")
	}
}
