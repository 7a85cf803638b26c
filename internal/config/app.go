package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/receipt"
)

// DefaultAppPath is used when no application config path is given.
const DefaultAppPath = "./user1.json"

// serverMinMaxIssue is the relay depth a server-mode receipt needs to reach
// the server and then a peer.
const serverMinMaxIssue = 3

var (
	ErrMissingRoot    = errors.New("rootNodeId is required")
	ErrMissingKeyPair = errors.New("keyPair is required")
	ErrInvalidPeer    = errors.New("invalid peer")
	ErrInvalidExpire  = errors.New("expire must not be negative")
)

// Peer is a peer this instance talks to.
type Peer struct {
	PubKey string `json:"pubKey"`
	URL    string `json:"url"`
	Name   string `json:"name,omitempty"`
}

// App is the resolved application configuration of one instance.
type App struct {
	RootNodeID string
	Name       string // announced in handshakes
	Keys       crypto.KeyPair
	Mode       receipt.Mode
	Expire     time.Duration // zero never expires
	MaxIssue   int
	Peers      []Peer

	// Warnings lists accepted but questionable settings.
	Warnings []string
}

// Policy returns the receipt policy of the instance. Peer identities are
// the receipt targets.
func (a *App) Policy() receipt.Policy {
	targets := make([]string, 0, len(a.Peers))
	for _, p := range a.Peers {
		targets = append(targets, p.PubKey)
	}
	return receipt.Policy{
		Mode:     a.Mode,
		Expire:   a.Expire,
		MaxIssue: a.MaxIssue,
		Targets:  targets,
	}
}

type appFile struct {
	RootNodeID string          `json:"rootNodeId"`
	Name       string          `json:"name"`
	KeyPair    json.RawMessage `json:"keyPair"`
	Type       string          `json:"type"`
	Expire     *int64          `json:"expire"` // seconds
	MaxIssue   *int            `json:"maxIssue"`
	Peers      []Peer          `json:"peers"`
}

// LoadApp reads the application config at path. An empty path reads
// DefaultAppPath.
func LoadApp(path string) (*App, error) {
	if path == "" {
		path = DefaultAppPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	app, err := ParseApp(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return app, nil
}

// ParseApp parses and validates an application config. A keyPair given as
// a string is a key file path, relative to baseDir.
func ParseApp(data []byte, baseDir string) (*App, error) {
	var f appFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse app config: %w", err)
	}

	if f.RootNodeID == "" {
		return nil, ErrMissingRoot
	}

	keys, err := resolveKeyPair(f.KeyPair, baseDir)
	if err != nil {
		return nil, err
	}

	mode, err := receipt.ParseMode(f.Type)
	if err != nil {
		return nil, err
	}

	app := &App{
		RootNodeID: f.RootNodeID,
		Name:       f.Name,
		Keys:       keys,
		Mode:       mode,
		MaxIssue:   1,
	}

	if f.Expire != nil {
		if *f.Expire < 0 {
			return nil, ErrInvalidExpire
		}
		app.Expire = time.Duration(*f.Expire) * time.Second
	}
	if f.MaxIssue != nil {
		if *f.MaxIssue < 1 {
			return nil, receipt.ErrInvalidMaxIssue
		}
		app.MaxIssue = *f.MaxIssue
	}
	if mode == receipt.ModeServer && app.MaxIssue < serverMinMaxIssue {
		app.Warnings = append(app.Warnings,
			fmt.Sprintf("maxIssue %d may be too low for server mode, receipts need %d hops", app.MaxIssue, serverMinMaxIssue))
	}

	seen := map[string]bool{keys.Pub: true}
	for i, p := range f.Peers {
		if _, err := crypto.ValidatePublicKey(p.PubKey); err != nil {
			return nil, fmt.Errorf("%w %d: %w", ErrInvalidPeer, i, err)
		}
		if seen[p.PubKey] {
			continue
		}
		seen[p.PubKey] = true
		app.Peers = append(app.Peers, p)
	}

	return app, nil
}

func resolveKeyPair(raw json.RawMessage, baseDir string) (crypto.KeyPair, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return crypto.KeyPair{}, ErrMissingKeyPair
	}

	if raw[0] == '"' {
		var path string
		if err := json.Unmarshal(raw, &path); err != nil {
			return crypto.KeyPair{}, err
		}
		if path == "" {
			return crypto.KeyPair{}, ErrMissingKeyPair
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		return crypto.LoadKeyPair(path)
	}

	var kp crypto.KeyPair
	if err := json.Unmarshal(raw, &kp); err != nil {
		return crypto.KeyPair{}, fmt.Errorf("parse keyPair: %w", err)
	}
	if err := kp.Validate(); err != nil {
		return crypto.KeyPair{}, err
	}
	return kp, nil
}
