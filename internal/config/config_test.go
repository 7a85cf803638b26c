package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
	"github.com/eldtechnologies/roomrelay/internal/receipt"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL", "SQLITE_PATH", "STORE_BACKEND",
		"RELAY_URL", "RATE_LIMIT_WHITELIST", "AUTO_BLOCK_ENABLED", "PURGE_INTERVAL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	if cfg.Port != "8080" || !cfg.IsDevelopment() {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.StoreBackend != BackendMemory {
		t.Errorf("expected memory backend, got %q", cfg.StoreBackend)
	}
	if cfg.PurgeInterval != time.Minute {
		t.Errorf("expected 1m purge interval, got %s", cfg.PurgeInterval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/roomrelay")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8, 127.0.0.1,")
	t.Setenv("AUTO_BLOCK_ENABLED", "true")
	t.Setenv("PURGE_INTERVAL", "30s")

	cfg := Load()
	if cfg.StoreBackend != BackendPostgres {
		t.Errorf("DATABASE_URL should select postgres, got %q", cfg.StoreBackend)
	}
	if len(cfg.RateLimitWhitelist) != 2 || cfg.RateLimitWhitelist[1] != "127.0.0.1" {
		t.Errorf("unexpected whitelist %v", cfg.RateLimitWhitelist)
	}
	if !cfg.AutoBlockEnabled || cfg.PurgeInterval != 30*time.Second {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestLoadPanicsOnMissingBackendURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_BACKEND", "remote")

	defer func() {
		if recover() == nil {
			t.Error("expected panic for remote backend without RELAY_URL")
		}
	}()
	Load()
}

func newKeyPair(t *testing.T) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestParseAppInlineKeyPair(t *testing.T) {
	kp := newKeyPair(t)
	peer := newKeyPair(t)

	data := []byte(`{
		"rootNodeId": "room",
		"keyPair": {"pub": "` + kp.Pub + `", "priv": "` + kp.Priv + `"},
		"expire": 60,
		"maxIssue": 2,
		"peers": [
			{"pubKey": "` + peer.Pub + `", "url": "http://peer:8080"},
			{"pubKey": "` + peer.Pub + `", "url": "http://peer:8080"},
			{"pubKey": "` + kp.Pub + `", "url": "http://self:8080"}
		]
	}`)

	app, err := ParseApp(data, ".")
	if err != nil {
		t.Fatal(err)
	}
	if app.RootNodeID != "room" || app.Keys.Pub != kp.Pub {
		t.Errorf("unexpected app %+v", app)
	}
	if app.Mode != receipt.ModePeerToPeer || app.Expire != time.Minute || app.MaxIssue != 2 {
		t.Errorf("unexpected policy fields %+v", app)
	}
	if len(app.Peers) != 1 || app.Peers[0].PubKey != peer.Pub {
		t.Errorf("expected one distinct non-self peer, got %+v", app.Peers)
	}

	policy := app.Policy()
	if len(policy.Targets) != 1 || policy.Targets[0] != peer.Pub {
		t.Errorf("unexpected targets %v", policy.Targets)
	}
}

func TestParseAppKeyPairPath(t *testing.T) {
	dir := t.TempDir()
	kp := newKeyPair(t)
	if err := kp.Save(filepath.Join(dir, "keys.json")); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "server.json")
	if err := os.WriteFile(cfgPath, []byte(`{"rootNodeId":"room","keyPair":"keys.json","type":"server","maxIssue":1}`), 0600); err != nil {
		t.Fatal(err)
	}

	app, err := LoadApp(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if app.Keys.Pub != kp.Pub || app.Mode != receipt.ModeServer {
		t.Errorf("unexpected app %+v", app)
	}
	if len(app.Warnings) != 1 {
		t.Errorf("expected a low maxIssue warning, got %v", app.Warnings)
	}
}

func TestParseAppErrors(t *testing.T) {
	kp := newKeyPair(t)
	keys := `{"pub": "` + kp.Pub + `", "priv": "` + kp.Priv + `"}`

	tests := []struct {
		name string
		data string
		want error
	}{
		{"missing root", `{"keyPair": ` + keys + `}`, ErrMissingRoot},
		{"missing keys", `{"rootNodeId": "room"}`, ErrMissingKeyPair},
		{"zero maxIssue", `{"rootNodeId": "room", "keyPair": ` + keys + `, "maxIssue": 0}`, receipt.ErrInvalidMaxIssue},
		{"negative expire", `{"rootNodeId": "room", "keyPair": ` + keys + `, "expire": -1}`, ErrInvalidExpire},
		{"bad mode", `{"rootNodeId": "room", "keyPair": ` + keys + `, "type": "mesh"}`, receipt.ErrUnknownMode},
		{"bad peer", `{"rootNodeId": "room", "keyPair": ` + keys + `, "peers": [{"pubKey": "nope"}]}`, ErrInvalidPeer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseApp([]byte(tt.data), "."); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
