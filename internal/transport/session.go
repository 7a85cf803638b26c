package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/roomrelay/internal/api/middleware"
	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/metrics"
	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/substrate"
)

// Progress stages reported by a session.
const (
	StagePull = "pull"
	StagePush = "push"
)

// session pulls what the peer holds for us and pushes what we hold for the
// peer. Both directions are enforced by receipts on the exporting side.
type session struct {
	peer  *peer
	scope string

	mu       sync.Mutex
	progress []func(string)
}

func (s *session) OnProgress(fn func(stage string)) {
	s.mu.Lock()
	s.progress = append(s.progress, fn)
	s.mu.Unlock()
}

func (s *session) report(stage string) {
	s.mu.Lock()
	fns := append([]func(string){}, s.progress...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(stage)
	}
}

// Start runs pull and push concurrently and returns once both finish.
func (s *session) Start(ctx context.Context) (substrate.SyncStatus, error) {
	var status substrate.SyncStatus

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.pull(gctx)
		status.Pulled = n
		return err
	})
	g.Go(func() error {
		n, err := s.push(gctx)
		status.Pushed = n
		return err
	})

	if err := g.Wait(); err != nil {
		metrics.SyncSessions.WithLabelValues("error").Inc()
		return status, err
	}
	metrics.SyncSessions.WithLabelValues("ok").Inc()
	return status, nil
}

func (s *session) pull(ctx context.Context) (int, error) {
	network := s.peer.network

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.peer.endpoint("/rooms/"+url.PathEscape(s.scope)+"/export"), nil)
	if err != nil {
		return 0, err
	}
	if err := middleware.SignRequest(req, nil, network.self); err != nil {
		return 0, err
	}

	resp, err := network.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pull: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("pull: status %d", resp.StatusCode)
	}

	var sealed models.SealedBundle
	if err := json.NewDecoder(resp.Body).Decode(&sealed); err != nil {
		return 0, fmt.Errorf("pull: %w", err)
	}
	plain, err := crypto.Open(sealed.Sealed, network.self)
	if err != nil {
		return 0, fmt.Errorf("pull: %w", err)
	}

	var bundle substrate.StoreRequest
	if err := json.Unmarshal(plain, &bundle); err != nil {
		return 0, fmt.Errorf("pull: %w", err)
	}
	if len(bundle.Nodes) > 0 {
		if err := network.local.Store(ctx, bundle); err != nil {
			return 0, fmt.Errorf("pull: %w", err)
		}
	}

	s.report(StagePull)
	return len(bundle.Nodes), nil
}

func (s *session) push(ctx context.Context) (int, error) {
	network := s.peer.network

	exporter, ok := network.local.(substrate.Exporter)
	if !ok {
		return 0, nil
	}
	bundle, err := exporter.Export(ctx, s.scope, s.peer.pubKey, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("push: %w", err)
	}
	if len(bundle.Nodes) == 0 {
		s.report(StagePush)
		return 0, nil
	}

	body, err := json.Marshal(bundle)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.peer.endpoint("/rooms/"+url.PathEscape(s.scope)+"/nodes"), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := network.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("push: status %d", resp.StatusCode)
	}

	s.report(StagePush)
	return len(bundle.Nodes), nil
}
