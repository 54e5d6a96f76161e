package device

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestAdapter(t *testing.T, capacity int64) *FileAdapter {
	t.Helper()
	dir := t.TempDir()
	a, err := NewFileAdapter(filepath.Join(dir, "staging.bin"), filepath.Join(dir, "boot", "record.json"), capacity, func() {})
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestFileAdapter_ProgramAndRead(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, 64)

	if err := a.Program(ctx, 0, []byte("AAAA")); err != nil {
		t.Fatalf("program failed: %v", err)
	}
	if err := a.Program(ctx, 4, []byte("BBBB")); err != nil {
		t.Fatalf("program failed: %v", err)
	}

	buf := make([]byte, 8)
	n, err := a.ReadAt(ctx, buf, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if n != 8 || !bytes.Equal(buf, []byte("AAAABBBB")) {
		t.Errorf("read %q (%d bytes), want %q", buf[:n], n, "AAAABBBB")
	}
}

func TestFileAdapter_Bounds(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, 8)

	if err := a.Program(ctx, 6, []byte("XYZ")); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := a.Program(ctx, -1, []byte("X")); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange for negative offset, got %v", err)
	}
	if _, err := a.ReadAt(ctx, make([]byte, 9), 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange on read, got %v", err)
	}
}

func TestFileAdapter_Erase(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, 64)

	a.Program(ctx, 0, []byte("AAAA"))
	if err := a.Erase(ctx); err != nil {
		t.Fatalf("erase failed: %v", err)
	}

	buf := make([]byte, 4)
	n, _ := a.ReadAt(ctx, buf, 0)
	if n != 0 {
		t.Errorf("expected erased region to read 0 bytes, got %d", n)
	}
}

func TestFileAdapter_BootRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, 64)

	rec, err := a.BootRecord(ctx)
	if err != nil {
		t.Fatalf("boot record failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no boot record, got %+v", rec)
	}

	if err := a.MarkPendingBoot(ctx, BootRecord{Version: []byte("v1"), Size: 8}); err != nil {
		t.Fatalf("mark pending failed: %v", err)
	}
	rec, _ = a.BootRecord(ctx)
	if rec == nil || !rec.Pending || string(rec.Version) != "v1" {
		t.Fatalf("expected pending v1, got %+v", rec)
	}

	if err := a.ConfirmBoot(ctx); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	rec, _ = a.BootRecord(ctx)
	if rec == nil || rec.Pending || string(rec.Version) != "v1" {
		t.Fatalf("expected confirmed v1, got %+v", rec)
	}

	a.MarkPendingBoot(ctx, BootRecord{Version: []byte("v2"), Size: 4})
	if err := a.ClearPendingBoot(ctx); err != nil {
		t.Fatalf("clear pending failed: %v", err)
	}
	rec, _ = a.BootRecord(ctx)
	if rec == nil || string(rec.Version) != "v1" {
		t.Errorf("clearing pending should fall back to active v1, got %+v", rec)
	}
}

func TestFileAdapter_ResetCallsRestarter(t *testing.T) {
	dir := t.TempDir()
	called := false
	a, err := NewFileAdapter(filepath.Join(dir, "s.bin"), filepath.Join(dir, "b.json"), 16, func() {
		called = true
		panic("restarted")
	})
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	defer a.Close()

	func() {
		defer func() {
			if r := recover(); r != "restarted" {
				t.Errorf("unexpected recover value %v", r)
			}
		}()
		a.Reset()
	}()

	if !called {
		t.Error("restart primitive was not invoked")
	}
}
