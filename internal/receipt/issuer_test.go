package receipt

import (
	"errors"
	"testing"
	"time"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
)

func testKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestIssuePeerToPeer(t *testing.T) {
	self := testKeyPair(t)
	a := testKeyPair(t)
	b := testKeyPair(t)

	receipts, err := Issue("rec-1", 1000, 0, 3, []string{a.Pub, b.Pub}, ModePeerToPeer, self)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 3 {
		t.Fatalf("expected 3 receipts, got %d", len(receipts))
	}

	selfCount := 0
	perPeer := map[string]int{}
	for _, r := range receipts {
		if err := r.Verify(); err != nil {
			t.Fatalf("receipt does not verify: %v", err)
		}
		if r.RecordID != "rec-1" || r.IssuedAt != 1000 || r.IssuerPubKey != self.Pub {
			t.Errorf("unexpected receipt fields: %+v", r)
		}
		if r.ExpiresAt != nil {
			t.Errorf("expected no expiry, got %d", *r.ExpiresAt)
		}
		if r.TargetPubKey == self.Pub {
			selfCount++
			if r.MaxIssue != 1 {
				t.Errorf("self receipt maxIssue = %d, want 1", r.MaxIssue)
			}
			continue
		}
		perPeer[r.TargetPubKey]++
		if r.MaxIssue != 3 {
			t.Errorf("peer receipt maxIssue = %d, want 3", r.MaxIssue)
		}
	}
	if selfCount != 1 {
		t.Errorf("expected exactly one self receipt, got %d", selfCount)
	}
	if perPeer[a.Pub] != 1 || perPeer[b.Pub] != 1 {
		t.Errorf("expected one receipt per peer, got %v", perPeer)
	}
}

func TestIssuePeerToPeerWithoutPeersStillIssuesSelf(t *testing.T) {
	self := testKeyPair(t)

	receipts, err := Issue("rec-1", 1000, 0, 2, nil, ModePeerToPeer, self)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 || receipts[0].TargetPubKey != self.Pub || receipts[0].MaxIssue != 1 {
		t.Fatalf("expected only the self receipt, got %+v", receipts)
	}
}

func TestIssuePeerToPeerSkipsSelfAndDuplicateTargets(t *testing.T) {
	self := testKeyPair(t)
	a := testKeyPair(t)

	receipts, err := Issue("rec-1", 1000, 0, 2, []string{a.Pub, self.Pub, a.Pub}, ModePeerToPeer, self)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected self + one peer receipt, got %d", len(receipts))
	}
}

func TestIssueServerMode(t *testing.T) {
	self := testKeyPair(t)
	a := testKeyPair(t)

	receipts, err := Issue("rec-1", 1000, 0, 3, []string{a.Pub}, ModeServer, self)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}
	if receipts[0].TargetPubKey != self.Pub || receipts[0].MaxIssue != 3 {
		t.Fatalf("unexpected server receipt: %+v", receipts[0])
	}
}

func TestIssueExpiry(t *testing.T) {
	self := testKeyPair(t)

	receipts, err := Issue("rec-1", 5000, 60*time.Second, 1, nil, ModePeerToPeer, self)
	if err != nil {
		t.Fatal(err)
	}
	if receipts[0].ExpiresAt == nil || *receipts[0].ExpiresAt != 65000 {
		t.Fatalf("expected expiresAt 65000, got %v", receipts[0].ExpiresAt)
	}
}

func TestIssueRejectsInvalidInput(t *testing.T) {
	self := testKeyPair(t)

	if _, err := Issue("", 1, 0, 1, nil, ModeServer, self); !errors.Is(err, ErrMissingRecordID) {
		t.Errorf("expected ErrMissingRecordID, got %v", err)
	}
	if _, err := Issue("x", 1, 0, 0, nil, ModeServer, self); !errors.Is(err, ErrInvalidMaxIssue) {
		t.Errorf("expected ErrInvalidMaxIssue, got %v", err)
	}
	if _, err := NewIssuer(self, Policy{MaxIssue: 0}); !errors.Is(err, ErrInvalidMaxIssue) {
		t.Errorf("expected ErrInvalidMaxIssue, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModePeerToPeer, "p2p": ModePeerToPeer, "server": ModeServer, "SERVER": ModeServer} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("carrier-pigeon"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}
}
