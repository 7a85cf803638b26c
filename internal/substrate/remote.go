package substrate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/models"
)

const (
	defaultHealthInterval = 15 * time.Second
	remoteRequestTimeout  = 10 * time.Second
	maxRemoteFrame        = 8 << 20
)

// ErrRemote is returned for unexpected relay responses.
var ErrRemote = errors.New("relay request failed")

// Remote is a Storage served by a relay over HTTP and websockets.
type Remote struct {
	base           *url.URL
	client         *http.Client
	dialer         *websocket.Dialer
	logger         zerolog.Logger
	healthInterval time.Duration

	connected    atomic.Bool
	onConnect    callbacks
	onDisconnect callbacks

	mu     sync.Mutex
	cancel context.CancelFunc
	subs   map[*remoteSubscription]struct{}
}

// NewRemote creates a Remote for the relay at baseURL.
func NewRemote(baseURL string, logger zerolog.Logger) (*Remote, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("relay url: unsupported scheme %q", base.Scheme)
	}
	return &Remote{
		base:           base,
		client:         &http.Client{Timeout: remoteRequestTimeout},
		dialer:         websocket.DefaultDialer,
		logger:         logger.With().Str("component", "remote").Str("relay", base.String()).Logger(),
		healthInterval: defaultHealthInterval,
		subs:           make(map[*remoteSubscription]struct{}),
	}, nil
}

// Connect checks the relay's health and keeps watching it. Connect and
// disconnect callbacks fire on every transition.
func (r *Remote) Connect(ctx context.Context) error {
	if err := r.health(ctx); err != nil {
		return fmt.Errorf("storage connect: %w", err)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.mu.Unlock()

	r.setConnected(true)
	go r.monitor(monitorCtx)
	return nil
}

// Close stops monitoring, closes subscriptions and fires disconnect callbacks.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	subs := make([]*remoteSubscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	r.setConnected(false)
	return nil
}

func (r *Remote) setConnected(v bool) {
	if r.connected.Swap(v) == v {
		return
	}
	if v {
		r.logger.Info().Msg("Relay connected")
		r.onConnect.fire()
		return
	}
	r.logger.Warn().Msg("Relay disconnected")
	r.onDisconnect.fire()
}

func (r *Remote) monitor(ctx context.Context) {
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.health(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				r.logger.Debug().Err(err).Msg("Health check failed")
			}
			r.setConnected(err == nil)
		}
	}
}

func (r *Remote) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("/health", nil), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrRemote, resp.StatusCode)
	}
	return nil
}

// IsConnected reports the last observed relay health.
func (r *Remote) IsConnected() bool {
	return r.connected.Load()
}

// OnConnect registers fn to run on every connect.
func (r *Remote) OnConnect(fn func()) {
	r.onConnect.add(fn)
}

// OnDisconnect registers fn to run on every disconnect.
func (r *Remote) OnDisconnect(fn func()) {
	r.onDisconnect.add(fn)
}

func (r *Remote) endpoint(path string, query url.Values) string {
	u := *r.base
	u.Path = r.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func roomPath(rootID, suffix string) string {
	return "/rooms/" + url.PathEscape(rootID) + suffix
}

// Subscribe opens a websocket to the relay and decodes one batch per frame.
func (r *Remote) Subscribe(ctx context.Context, rootID string, depth int, includeDeleted bool, onData func(models.Batch)) (Subscription, error) {
	if !r.IsConnected() {
		return nil, ErrNotConnected
	}
	if depth != 1 {
		return nil, fmt.Errorf("%w: %w", ErrSubscribe, ErrUnsupportedDepth)
	}

	query := url.Values{}
	if includeDeleted {
		query.Set("includeDeleted", "1")
	}
	target := r.endpoint(roomPath(rootID, "/subscribe"), query)
	target = "ws" + strings.TrimPrefix(target, "http")

	conn, resp, err := r.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: status %d", ErrSubscribe, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %w", ErrSubscribe, err)
	}

	sub := &remoteSubscription{
		id:    rootID + "@" + r.base.Host,
		conn:  conn,
		owner: r,
	}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.read(onData)
	return sub, nil
}

// Fetch pages a room through GET /rooms/{root}/nodes.
func (r *Remote) Fetch(ctx context.Context, rootID string, depth int, criteria Criteria, ordering *Ordering) (models.Batch, error) {
	if !r.IsConnected() {
		return models.Batch{}, ErrNotConnected
	}
	if depth != 1 {
		return models.Batch{}, ErrUnsupportedDepth
	}

	query := url.Values{}
	level := criteria[1]
	if level.Limit > 0 {
		query.Set("limit", strconv.Itoa(level.Limit))
	}
	if level.CursorNodeID != "" {
		query.Set("cursor", level.CursorNodeID)
	}
	if ordering.Desc() {
		query.Set("direction", string(Descending))
	}
	if !criteria[0].Discard {
		query.Set("includeRoot", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(roomPath(rootID, "/nodes"), query), nil)
	if err != nil {
		return models.Batch{}, err
	}

	var batch models.Batch
	if err := r.do(req, http.StatusOK, &batch); err != nil {
		return models.Batch{}, err
	}
	if level.Discard {
		batch.Records = nil
	}
	return batch, nil
}

// Store posts req to the room of its first node.
func (r *Remote) Store(ctx context.Context, req StoreRequest) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}
	if len(req.Nodes) == 0 {
		return fmt.Errorf("%w: %w: no nodes", ErrStore, ErrInvalidRequest)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint(roomPath(req.Nodes[0].ParentID, "/nodes"), nil), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := r.do(httpReq, http.StatusCreated, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	return nil
}

// do sends req and decodes a JSON body into out when the status matches.
func (r *Remote) do(req *http.Request, want int, out interface{}) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
		return fmt.Errorf("%w: %s %s: %d %s", ErrRemote, req.Method, req.URL.Path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type remoteSubscription struct {
	id     string
	conn   *websocket.Conn
	owner  *Remote
	closed atomic.Bool
}

func (s *remoteSubscription) ID() string {
	return s.id
}

func (s *remoteSubscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()

	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

// read decodes frames until the stream ends. A stream the relay ends on its
// own marks the Remote disconnected; the next healthy check reconnects it.
func (s *remoteSubscription) read(onData func(models.Batch)) {
	lost := false
	defer func() {
		s.Close()
		if lost {
			s.owner.setConnected(false)
		}
	}()
	s.conn.SetReadLimit(maxRemoteFrame)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				lost = true
				s.owner.logger.Warn().Err(err).Str("subscription", s.id).Msg("Subscription stream lost")
			}
			return
		}

		var batch models.Batch
		if err := json.Unmarshal(data, &batch); err != nil {
			s.owner.logger.Warn().Err(err).Msg("Dropping undecodable batch")
			continue
		}
		onData(batch)
	}
}
