package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchPreloadReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "preload.yaml")
	if err := os.WriteFile(path, []byte("queries:\n  - lat: 1\n    lng: 1\n    radiusKm: 1\n"), 0o600); err != nil {
		t.Fatalf("failed to write preload file: %v", err)
	}

	changeCh := make(chan []PreloadQuery, 4)
	errCh := make(chan error, 4)

	watcher, err := WatchPreload(ctx, path, func(queries []PreloadQuery) {
		changeCh <- queries
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case queries := <-changeCh:
		if len(queries) != 1 {
			t.Fatalf("expected one query on initial load, got %d", len(queries))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial change event")
	}

	if err := os.WriteFile(path, []byte("queries:\n  - lat: 1\n    lng: 1\n    radiusKm: 1\n  - lat: 2\n    lng: 2\n    radiusKm: 3\n"), 0o600); err != nil {
		t.Fatalf("failed to update preload file: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case queries := <-changeCh:
			if len(queries) == 2 {
				return
			}
		case err := <-errCh:
			t.Fatalf("unexpected error: %v", err)
		case <-deadline:
			t.Fatal("timeout waiting for reload event")
		}
	}
}

func TestWatchPreloadReportsBrokenFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "preload.yaml")
	if err := os.WriteFile(path, []byte("queries: []\n"), 0o600); err != nil {
		t.Fatalf("failed to write preload file: %v", err)
	}

	errCh := make(chan error, 4)
	watcher, err := WatchPreload(ctx, path, func([]PreloadQuery) {}, func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(path, []byte("queries:\n  - lat: 100\n    lng: 0\n    radiusKm: 1\n"), 0o600); err != nil {
		t.Fatalf("failed to update preload file: %v", err)
	}

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reload error")
	}
}

func TestWatchPreloadRequiresInputs(t *testing.T) {
	if _, err := WatchPreload(context.Background(), "", func([]PreloadQuery) {}, nil); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := WatchPreload(context.Background(), "preload.yaml", nil, nil); err == nil {
		t.Fatal("expected error for nil callback")
	}
	if _, err := WatchPreload(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), func([]PreloadQuery) {}, nil); err == nil {
		t.Fatal("expected error for missing file")
	}

	var w *PreloadWatcher
	w.Stop()
}
