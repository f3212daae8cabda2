package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joelkehle/farmchat/internal/chat"
	"github.com/joelkehle/farmchat/internal/config"
	"go.uber.org/zap"
)

func TestOpenStoreBackends(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{"memory", "sqlite", "snapshot"} {
		t.Run(backend, func(t *testing.T) {
			cfg := &config.Config{
				Backend:      backend,
				DBPath:       filepath.Join(dir, backend+".db"),
				SnapshotPath: filepath.Join(dir, backend+".json"),
			}
			store, err := openStore(cfg, zap.NewNop())
			if err != nil {
				t.Fatalf("open %s: %v", backend, err)
			}
			defer store.Close()
			if err := store.Ping(context.Background()); err != nil {
				t.Fatalf("ping %s: %v", backend, err)
			}
		})
	}
}

func TestOpenIdentityFromDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.yaml")
	blob := []byte("participants:\n  - id: farmer-1\n    display_name: Amina\n    role: farmer\n")
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatalf("write directory: %v", err)
	}
	provider, err := openIdentity(&config.Config{DirectoryFile: path}, zap.NewNop())
	if err != nil {
		t.Fatalf("open identity: %v", err)
	}
	p, err := provider.Resolve(context.Background(), "farmer-1")
	if err != nil || p.Role != chat.RoleFarmer {
		t.Fatalf("resolve: %+v %v", p, err)
	}
}

func TestOpenIdentityPrefersHTTP(t *testing.T) {
	provider, err := openIdentity(&config.Config{
		IdentityURL:      "http://127.0.0.1:1",
		DirectoryFile:    "/does/not/exist.yaml",
		IdentityCacheLen: 8,
		IdentityCacheTTL: time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("open identity: %v", err)
	}
	if provider == nil {
		t.Fatalf("nil provider")
	}
}

func TestOpenIdentityMissingDirectory(t *testing.T) {
	if _, err := openIdentity(&config.Config{DirectoryFile: filepath.Join(t.TempDir(), "missing.yaml")}, zap.NewNop()); err == nil {
		t.Fatalf("expected missing directory file to fail")
	}
}
