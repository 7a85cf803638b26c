package substrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/models"
)

// droppingRelay answers /health and closes every subscription socket
// shortly after upgrading it.
func droppingRelay(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/rooms/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestRemoteLostStreamDisconnects(t *testing.T) {
	srv := droppingRelay(t)
	remote, err := NewRemote(srv.URL, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	remote.healthInterval = time.Hour
	defer remote.Close()

	var disconnects, connects atomic.Int32
	remote.OnDisconnect(func() { disconnects.Add(1) })
	remote.OnConnect(func() { connects.Add(1) })

	ctx := context.Background()
	if err := remote.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := remote.Subscribe(ctx, testRoot, 1, true, func(models.Batch) {}); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, func() bool { return disconnects.Load() == 1 }) {
		t.Fatalf("lost stream fired %d disconnect callbacks, want 1", disconnects.Load())
	}
	if remote.IsConnected() {
		t.Error("remote still connected after its stream was lost")
	}

	// a healthy relay brings the storage back
	if err := remote.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if !remote.IsConnected() || connects.Load() != 2 {
		t.Errorf("reconnect: connected=%v connects=%d", remote.IsConnected(), connects.Load())
	}
}

func TestRemoteClosedSubscriptionStaysConnected(t *testing.T) {
	srv := droppingRelay(t)
	remote, err := NewRemote(srv.URL, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	remote.healthInterval = time.Hour
	defer remote.Close()

	var disconnects atomic.Int32
	remote.OnDisconnect(func() { disconnects.Add(1) })

	ctx := context.Background()
	if err := remote.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	sub, err := remote.Subscribe(ctx, testRoot, 1, true, func(models.Batch) {})
	if err != nil {
		t.Fatal(err)
	}
	sub.Close()

	time.Sleep(150 * time.Millisecond)
	if !remote.IsConnected() || disconnects.Load() != 0 {
		t.Errorf("closing a subscription disconnected the remote: connected=%v disconnects=%d",
			remote.IsConnected(), disconnects.Load())
	}
}
