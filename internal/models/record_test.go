package models

import (
	"errors"
	"testing"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
)

const testRoot = "room-root"

func testKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestRecordSignDeterministic(t *testing.T) {
	kp := testKeyPair(t)
	r := NewRecord(ContentTypeMessage, testRoot, "hello", 1700000000000)

	a, err := r.Sign(kp)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Sign(kp)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("signing identical records should be deterministic:\n%+v\n%+v", a, b)
	}
	if err := a.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if a.CreatorPubKey != kp.Pub {
		t.Errorf("expected creator %s, got %s", kp.Pub, a.CreatorPubKey)
	}
}

func TestRecordSignTwiceRejected(t *testing.T) {
	kp := testKeyPair(t)
	signed, err := NewRecord(ContentTypeMessage, testRoot, "x", 1).Sign(kp)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := signed.Sign(kp); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
}

func TestRecordTamperingInvalidates(t *testing.T) {
	kp := testKeyPair(t)
	other := testKeyPair(t)
	signed, err := NewRecord(ContentTypeMessage, testRoot, "hello", 1700000000000).Sign(kp)
	if err != nil {
		t.Fatal(err)
	}

	tampers := map[string]func(r *Record){
		"payload":      func(r *Record) { r.Payload = "hullo" },
		"creationTime": func(r *Record) { r.CreationTime++ },
		"parent":       func(r *Record) { r.ParentID = "elsewhere" },
		"contentType":  func(r *Record) { r.ContentType = ContentTypeProfile },
		"creator":      func(r *Record) { r.CreatorPubKey = other.Pub },
		"signature":    func(r *Record) { r.Signature = signed.Signature[:len(signed.Signature)-4] + "AAA=" },
	}
	for name, tamper := range tampers {
		t.Run(name, func(t *testing.T) {
			r := signed
			tamper(&r)
			if err := r.Verify(); err == nil {
				t.Fatal("tampered record should not verify")
			}
		})
	}
}

func TestRecordVerifyMalformed(t *testing.T) {
	if err := (Record{}).Verify(); !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	cases := map[string]Kind{
		ContentTypeMessage: KindMessage,
		ContentTypeProfile: KindProfile,
		"u.types.reaction": KindUnknown,
		"":                 KindUnknown,
	}
	for ct, want := range cases {
		if got := KindOf(ct); got != want {
			t.Errorf("KindOf(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestReceiptSignVerifyExpiry(t *testing.T) {
	kp := testKeyPair(t)
	exp := int64(2000)
	r, err := Receipt{RecordID: "abc", IssuedAt: 1000, ExpiresAt: &exp, MaxIssue: 1, TargetPubKey: kp.Pub}.Sign(kp)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !r.Permits(kp.Pub, 1999) {
		t.Error("receipt should permit target before expiry")
	}
	if r.Permits(kp.Pub, 2000) {
		t.Error("receipt should not permit target at expiry")
	}

	r.MaxIssue = 5
	if err := r.Verify(); err == nil {
		t.Error("tampered receipt should not verify")
	}
}

func TestFilterBlobs(t *testing.T) {
	blobs := []Blob{{ID: "1", RecordID: "a"}, {ID: "2", RecordID: "b"}, {ID: "3", RecordID: "a"}}
	got := FilterBlobs("a", blobs)
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "3" {
		t.Fatalf("unexpected blobs: %+v", got)
	}
}
