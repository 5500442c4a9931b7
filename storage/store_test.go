package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemory_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("err = %v, want ErrObjectNotFound", err)
	}

	data := []byte("sealed artifact")
	if err := m.Put(ctx, "exports/co-1/exp-1.enc", data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := m.Get(ctx, "exports/co-1/exp-1.enc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q, want %q", got, data)
	}

	// Stored bytes are isolated from caller mutation.
	data[0] = 'X'
	got[0] = 'Y'
	again, err := m.Get(ctx, "exports/co-1/exp-1.enc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(again) != "sealed artifact" {
		t.Errorf("stored object mutated: %q", again)
	}

	if err := m.Delete(ctx, "exports/co-1/exp-1.enc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "exports/co-1/exp-1.enc"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("err after delete = %v, want ErrObjectNotFound", err)
	}
	if m.Len() != 0 {
		t.Errorf("len = %d, want 0", m.Len())
	}
}

func TestDir_RoundTrip(t *testing.T) {
	ctx := context.Background()
	d := &Dir{Root: t.TempDir()}

	if err := d.Put(ctx, "exports/co-1/exp-1.enc", []byte("sealed")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := d.Get(ctx, "exports/co-1/exp-1.enc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "sealed" {
		t.Errorf("got %q", got)
	}

	if err := d.Delete(ctx, "exports/co-1/exp-1.enc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := d.Get(ctx, "exports/co-1/exp-1.enc"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("err = %v, want ErrObjectNotFound", err)
	}

	// Deleting a missing key is a no-op.
	if err := d.Delete(ctx, "exports/co-1/exp-1.enc"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestDir_RejectsPathEscapes(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d := &Dir{Root: root}

	outside := filepath.Join(root, "..", "escaped")
	for _, key := range []string{"../escaped", "..", ".", "/etc/passwd", "a/../../escaped"} {
		if err := d.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("key %q: expected rejection", key)
		}
	}
	if _, err := os.Stat(outside); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("escape target exists: %v", err)
	}
}
