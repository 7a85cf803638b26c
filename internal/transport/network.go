// Package transport connects to configured peers and exchanges the records
// they hold receipts for.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/models"
	"github.com/eldtechnologies/roomrelay/internal/substrate"
)

const (
	requestTimeout = 15 * time.Second
	// handshakeSkew is how far a handshake timestamp may be from our clock.
	handshakeSkew = 5 * time.Minute
)

var (
	ErrHandshake = errors.New("peer handshake failed")
	ErrPeerURL   = errors.New("invalid peer url")
)

// PeerConfig is a peer this instance is configured to talk to.
type PeerConfig struct {
	PubKey string `json:"pubKey"`
	URL    string `json:"url"`
	Name   string `json:"name,omitempty"`
}

// Network dials configured peers and announces the ones that prove their
// identity.
type Network struct {
	self    crypto.KeyPair
	configs []PeerConfig
	local   substrate.Storage
	client  *http.Client
	logger  zerolog.Logger

	mu     sync.Mutex
	peers  map[string]*peer
	onPeer []func(substrate.Peer)
}

// NewNetwork creates a Network. Records pulled from peers are stored in
// local; when local is a substrate.Exporter, sessions also push.
func NewNetwork(self crypto.KeyPair, peers []PeerConfig, local substrate.Storage, logger zerolog.Logger) *Network {
	return &Network{
		self:    self,
		configs: peers,
		local:   local,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger.With().Str("component", "network").Logger(),
		peers:   make(map[string]*peer),
	}
}

// OnPeerConnect registers fn to run for every peer that connects.
func (n *Network) OnPeerConnect(fn func(substrate.Peer)) {
	n.mu.Lock()
	n.onPeer = append(n.onPeer, fn)
	n.mu.Unlock()
}

// Connect dials every configured peer that is not connected yet, in
// parallel. Peers that fail are reported in the joined error; the others
// stay connected.
func (n *Network) Connect(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, cfg := range n.configs {
		cfg := cfg
		if n.isConnected(cfg.PubKey) {
			continue
		}
		g.Go(func() error {
			if err := n.dial(gctx, cfg); err != nil {
				n.logger.Warn().Err(err).Str("peer", cfg.PubKey).Str("url", cfg.URL).Msg("Peer connect failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", cfg.URL, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

// Disconnect closes every connected peer.
func (n *Network) Disconnect() {
	n.mu.Lock()
	peers := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.peers = make(map[string]*peer)
	n.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

// Peers returns the connected peers.
func (n *Network) Peers() []substrate.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]substrate.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

func (n *Network) isConnected(pubKey string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.peers[pubKey]
	return ok
}

func (n *Network) dial(ctx context.Context, cfg PeerConfig) error {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrPeerURL, cfg.URL)
	}

	name, err := n.handshake(ctx, base, cfg.PubKey)
	if err != nil {
		return err
	}
	if cfg.Name != "" {
		name = cfg.Name
	}

	p := &peer{pubKey: cfg.PubKey, name: name, base: base, network: n}

	n.mu.Lock()
	if _, ok := n.peers[cfg.PubKey]; ok {
		n.mu.Unlock()
		return nil
	}
	n.peers[cfg.PubKey] = p
	callbacks := append([]func(substrate.Peer){}, n.onPeer...)
	n.mu.Unlock()

	n.logger.Info().Str("peer", cfg.PubKey).Str("name", name).Msg("Peer connected")
	for _, fn := range callbacks {
		fn(p)
	}
	return nil
}

// handshake checks that the peer at base signs a fresh challenge with
// pubKey. It returns the name the peer announces.
func (n *Network) handshake(ctx context.Context, base *url.URL, pubKey string) (string, error) {
	challenge := crypto.NewULID()

	u := *base
	u.Path = base.Path + "/handshake"
	u.RawQuery = url.Values{"challenge": {challenge}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrHandshake, resp.StatusCode)
	}

	var hs models.HandshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if hs.PubKey != pubKey {
		return "", fmt.Errorf("%w: peer presented key %s", ErrHandshake, hs.PubKey)
	}
	skew := time.Since(time.UnixMilli(hs.Timestamp))
	if skew > handshakeSkew || skew < -handshakeSkew {
		return "", fmt.Errorf("%w: %w", ErrHandshake, crypto.ErrSignatureExpired)
	}
	if err := crypto.Verify(pubKey, crypto.HandshakePayload(challenge, hs.Timestamp), hs.Signature); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return hs.Name, nil
}

// peer is a connected remote instance.
type peer struct {
	pubKey  string
	name    string
	base    *url.URL
	network *Network

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (p *peer) PubKey() string {
	return p.pubKey
}

func (p *peer) Name() string {
	return p.name
}

// OnClose registers fn to run when the peer disconnects. It runs at once if
// the peer is already closed.
func (p *peer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *peer) NewSyncSession(scope string) substrate.SyncSession {
	return &session{peer: p, scope: scope}
}

func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fns := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	p.network.logger.Info().Str("peer", p.pubKey).Msg("Peer closed")
	for _, fn := range fns {
		fn()
	}
}

func (p *peer) endpoint(path string) string {
	u := *p.base
	u.Path = p.base.Path + path
	return u.String()
}
