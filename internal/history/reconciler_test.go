package history

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/profile"
)

type recorder struct {
	messages []Message
	notices  []Notice
	failOn   string
	panicOn  string
}

func (r *recorder) RenderMessage(m Message) error {
	if m.Text == r.failOn {
		return errors.New("terminal closed")
	}
	if m.Text == r.panicOn {
		panic("boom")
	}
	r.messages = append(r.messages, m)
	return nil
}

func (r *recorder) RenderNotice(n Notice) {
	r.notices = append(r.notices, n)
}

func (r *recorder) texts() []string {
	var out []string
	for _, m := range r.messages {
		out = append(out, m.Text)
	}
	return out
}

type fixture struct {
	self     crypto.KeyPair
	other    crypto.KeyPair
	registry *profile.Registry
	out      *recorder
	rec      *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	self, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	other, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{self: self, other: other, registry: profile.NewRegistry(self.Pub), out: &recorder{}}
	f.rec, err = NewReconciler(self.Pub, f.registry, f.out, zerolog.Nop(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func signed(t *testing.T, kp crypto.KeyPair, contentType, payload string, ts int64) models.Record {
	t.Helper()
	rec, err := models.NewRecord(contentType, "root", payload, ts).Sign(kp)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReconcileSkipsMalformedRecord(t *testing.T) {
	f := newFixture(t)

	bad := signed(t, f.other, models.ContentTypeMessage, "forged", 2)
	bad.Payload = "tampered"

	batch := models.Batch{Records: []models.Record{
		signed(t, f.other, models.ContentTypeMessage, "one", 1),
		bad,
		signed(t, f.other, models.ContentTypeMessage, "three", 3),
	}}

	res := f.rec.Reconcile(batch, Live)
	if res.Rendered != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.out.texts(); !equal(got, []string{"one", "three"}) {
		t.Fatalf("expected [one three], got %v", got)
	}
}

func TestReconcileNewestFirstHistoryIsReversed(t *testing.T) {
	f := newFixture(t)

	batch := models.Batch{Records: []models.Record{
		signed(t, f.other, models.ContentTypeMessage, "3", 3),
		signed(t, f.other, models.ContentTypeMessage, "2", 2),
		signed(t, f.other, models.ContentTypeMessage, "1", 1),
	}}

	f.rec.Reconcile(batch, Source{History: true, NewestFirst: true})
	if got := f.out.texts(); !equal(got, []string{"1", "2", "3"}) {
		t.Fatalf("expected [1 2 3], got %v", got)
	}
	if len(f.out.notices) != 1 || f.out.notices[0].Kind != NoticeHistory {
		t.Fatalf("expected a single history notice, got %+v", f.out.notices)
	}
	if batch.Records[0].Payload != "3" {
		t.Fatal("reconcile must not reorder the caller's batch")
	}
}

func TestReconcileNewestFirstWithMalformedRecord(t *testing.T) {
	f := newFixture(t)

	bad := signed(t, f.other, models.ContentTypeMessage, "x", 2)
	bad.Signature = ""

	batch := models.Batch{Records: []models.Record{
		signed(t, f.other, models.ContentTypeMessage, "c", 3),
		bad,
		signed(t, f.other, models.ContentTypeMessage, "a", 1),
	}}

	f.rec.Reconcile(batch, Source{History: true, NewestFirst: true})
	if got := f.out.texts(); !equal(got, []string{"a", "c"}) {
		t.Fatalf("expected [a c], got %v", got)
	}
}

func TestReconcileLiveKeepsDeliveryOrder(t *testing.T) {
	f := newFixture(t)

	batch := models.Batch{Records: []models.Record{
		signed(t, f.other, models.ContentTypeMessage, "late", 9),
		signed(t, f.other, models.ContentTypeMessage, "early", 1),
	}}

	f.rec.Reconcile(batch, Live)
	if got := f.out.texts(); !equal(got, []string{"late", "early"}) {
		t.Fatalf("expected delivery order, got %v", got)
	}
	if len(f.out.notices) != 0 {
		t.Fatalf("live batches emit no history notice, got %+v", f.out.notices)
	}
}

func TestReconcileEmptyHistory(t *testing.T) {
	f := newFixture(t)

	f.rec.Reconcile(models.Batch{}, Source{History: true, NewestFirst: true})
	if len(f.out.notices) != 1 || f.out.notices[0].Kind != NoticeNoHistory {
		t.Fatalf("expected no-history notice, got %+v", f.out.notices)
	}
}

func TestReconcileDeletedNotice(t *testing.T) {
	f := newFixture(t)

	res := f.rec.Reconcile(models.Batch{DeletedRecordIDs: []string{"a", "b", "c"}}, Live)
	if res.Deleted != 3 {
		t.Fatalf("expected 3 deletions, got %d", res.Deleted)
	}
	if len(f.out.notices) != 1 {
		t.Fatalf("expected one notice, got %d", len(f.out.notices))
	}
	n := f.out.notices[0]
	if n.Kind != NoticeDeleted || n.Count != 3 || !equal(n.IDs, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected notice %+v", n)
	}
}

func TestReconcileProfilesAndUnknownKinds(t *testing.T) {
	f := newFixture(t)

	batch := models.Batch{Records: []models.Record{
		signed(t, f.other, models.ContentTypeProfile, "Bob", 1),
		signed(t, f.other, "u.types.reaction", "+1", 2),
		signed(t, f.other, models.ContentTypeMessage, "hi", 3),
		signed(t, f.self, models.ContentTypeMessage, "hey", 4),
	}}

	res := f.rec.Reconcile(batch, Live)
	if res.Profiles != 1 || res.Ignored != 1 || res.Rendered != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	if m := f.out.messages[0]; m.SenderAlias != "Bob" || m.Direction != Incoming {
		t.Errorf("unexpected incoming message %+v", m)
	}
	if m := f.out.messages[1]; m.SenderAlias != profile.MeAlias || m.Direction != Outgoing {
		t.Errorf("unexpected outgoing message %+v", m)
	}
}

func TestReconcileIsolatesRenderFailures(t *testing.T) {
	f := newFixture(t)
	f.out.failOn = "fails"
	f.out.panicOn = "panics"

	batch := models.Batch{Records: []models.Record{
		signed(t, f.other, models.ContentTypeMessage, "fails", 1),
		signed(t, f.other, models.ContentTypeMessage, "panics", 2),
		signed(t, f.other, models.ContentTypeMessage, "fine", 3),
	}}

	res := f.rec.Reconcile(batch, Live)
	if res.Failed != 2 || res.Rendered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.out.texts(); !equal(got, []string{"fine"}) {
		t.Fatalf("expected [fine], got %v", got)
	}
}

func TestLocalEchoIsNotRenderedTwice(t *testing.T) {
	f := newFixture(t)

	rec := signed(t, f.self, models.ContentTypeMessage, "hello", 1)
	if err := f.rec.RenderLocal(rec); err != nil {
		t.Fatal(err)
	}

	res := f.rec.Reconcile(models.Batch{Records: []models.Record{rec}}, Live)
	if res.Duplicates != 1 || res.Rendered != 0 {
		t.Fatalf("expected live duplicate to be dropped, got %+v", res)
	}

	f.rec.Reconcile(models.Batch{Records: []models.Record{rec}}, Source{History: true, NewestFirst: true})
	if got := f.out.texts(); !equal(got, []string{"hello", "hello"}) {
		t.Fatalf("history refresh renders again, got %v", got)
	}
}

func TestAttachmentsAreFilteredPerRecord(t *testing.T) {
	f := newFixture(t)

	a := signed(t, f.other, models.ContentTypeMessage, "a", 1)
	b := signed(t, f.other, models.ContentTypeMessage, "b", 2)
	batch := models.Batch{
		Records: []models.Record{a, b},
		Blobs: []models.Blob{
			{ID: "1", RecordID: a.ID, Data: []byte("x")},
			{ID: "2", RecordID: b.ID, Data: []byte("y")},
			{ID: "3", RecordID: a.ID, Data: []byte("z")},
		},
	}

	f.rec.Reconcile(batch, Live)
	if n := len(f.out.messages[0].Attachments); n != 2 {
		t.Errorf("expected 2 attachments on a, got %d", n)
	}
	if n := len(f.out.messages[1].Attachments); n != 1 {
		t.Errorf("expected 1 attachment on b, got %d", n)
	}
}
