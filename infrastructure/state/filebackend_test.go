package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestFileBackend_SaveLoad(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}

	if err := backend.Save(ctx, "snapshot", []byte("hello")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := backend.Load(ctx, "snapshot")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected 'hello', got '%s'", string(data))
	}
}

func TestFileBackend_LoadMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}

	_, err = backend.Load(ctx, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileBackend_SaveOverwritesAtomically(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}

	_ = backend.Save(ctx, "snapshot", []byte("first"))
	_ = backend.Save(ctx, "snapshot", []byte("second"))

	data, err := backend.Load(ctx, "snapshot")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected 'second', got '%s'", string(data))
	}
}

func TestFileBackend_DeleteThenList(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}

	_ = backend.Save(ctx, "state:registry", []byte("a"))
	_ = backend.Save(ctx, "other:thing", []byte("b"))

	keys, err := backend.List(ctx, "state:")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "state:registry" {
		t.Fatalf("expected [state:registry], got %v", keys)
	}

	if err := backend.Delete(ctx, "state:registry"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := backend.Load(ctx, "state:registry"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileBackend_KeyWithSeparatorDoesNotEscapeRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	backend, err := NewFileBackend(root)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}

	if err := backend.Save(ctx, "../../etc/passwd", []byte("x")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	data, err := backend.Load(ctx, "../../etc/passwd")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(data) != "x" {
		t.Fatalf("expected 'x', got %q", data)
	}
}
