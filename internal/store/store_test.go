package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ashureev/kdapp-runtime/internal/domain"
)

func backends(t *testing.T) map[string]EpisodeStore {
	t.Helper()
	sqliteStore, err := NewSQLite(filepath.Join(t.TempDir(), "episodes.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]EpisodeStore{
		"memory": NewMemory(),
		"sqlite": sqliteStore,
	}
}

func TestEpisodeStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, ok, err := s.Load(ctx, "missing"); err != nil || ok {
				t.Fatalf("expected absent state, got ok=%v err=%v", ok, err)
			}

			if err := s.Save(ctx, "ep-1", nil); err != nil {
				t.Fatalf("save empty state: %v", err)
			}
			state, ok, err := s.Load(ctx, "ep-1")
			if err != nil || !ok {
				t.Fatalf("load ep-1: ok=%v err=%v", ok, err)
			}
			if len(state) != 0 {
				t.Fatalf("expected empty state, got %q", state)
			}

			if err := s.Save(ctx, "ep-1", []byte("board")); err != nil {
				t.Fatalf("overwrite state: %v", err)
			}
			if err := s.Save(ctx, "ep-2", []byte("other")); err != nil {
				t.Fatalf("save ep-2: %v", err)
			}
			state, _, _ = s.Load(ctx, "ep-1")
			if !bytes.Equal(state, []byte("board")) {
				t.Fatalf("expected overwritten state, got %q", state)
			}

			ids, err := s.ListIDs(ctx)
			if err != nil {
				t.Fatalf("list ids: %v", err)
			}
			if len(ids) != 2 || ids[0] != "ep-1" || ids[1] != "ep-2" {
				t.Fatalf("unexpected ids %v", ids)
			}

			if err := s.Delete(ctx, "ep-1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := s.Delete(ctx, "ep-1"); err != nil {
				t.Fatalf("second delete must be a no-op: %v", err)
			}
			if _, ok, _ := s.Load(ctx, "ep-1"); ok {
				t.Fatal("expected ep-1 to be gone")
			}
			if err := s.Ping(ctx); err != nil {
				t.Fatalf("ping: %v", err)
			}
		})
	}
}

func TestMemoryStoreCopiesState(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	buf := []byte("abc")
	if err := s.Save(ctx, "ep", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'z'
	got, _, _ := s.Load(ctx, "ep")
	if string(got) != "abc" {
		t.Fatalf("store must not alias caller buffer, got %q", got)
	}
	got[1] = 'z'
	again, _, _ := s.Load(ctx, "ep")
	if string(again) != "abc" {
		t.Fatalf("load must return a copy, got %q", again)
	}
}

func TestSQLiteStoreWrapsFailures(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err = s.Save(context.Background(), "ep", []byte("x"))
	if !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure, got %v", err)
	}
}
