package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
)

func TestReloadWatcher_AppliesConfigChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"mcpServers":{"alpha":{"command":"alpha-cmd"}}}`), 0600); err != nil {
		t.Fatal(err)
	}

	dialer := newFakeDialer()
	cache := upstream.NewToolCache()
	sup := NewSupervisor(dialer, cache, logger)
	defer func() { _ = sup.Close() }()

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.MountAll(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	watcher := NewReloadWatcher(path, sup, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Let the directory watch establish before mutating the file.
	time.Sleep(100 * time.Millisecond)
	next := `{"mcpServers":{"alpha":{"command":"alpha-cmd"},"beta":{"command":"beta-cmd"}}}`
	if err := os.WriteFile(path, []byte(next), 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sup.Generation() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("generation = %d, reload never applied", sup.Generation())
		}
		time.Sleep(20 * time.Millisecond)
	}

	names := sup.Names()
	if len(names) != 2 || names[1] != "beta" {
		t.Errorf("Names() = %v, want [alpha beta]", names)
	}
}

func TestReloadWatcher_RejectsInvalidConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"mcpServers":{"alpha":{"command":"alpha-cmd"}}}`), 0600); err != nil {
		t.Fatal(err)
	}

	dialer := newFakeDialer()
	sup, _ := newTestSupervisor(t, dialer)
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.MountAll(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	genBefore := sup.Generation()

	if err := os.WriteFile(path, []byte(`{not json`), 0600); err != nil {
		t.Fatal(err)
	}

	watcher := NewReloadWatcher(path, sup, logger)
	watcher.reload(context.Background())

	if sup.Generation() != genBefore {
		t.Errorf("generation = %d after rejected config, want %d", sup.Generation(), genBefore)
	}
	if names := sup.Names(); len(names) != 1 || names[0] != "alpha" {
		t.Errorf("Names() = %v, want [alpha]", names)
	}
}
