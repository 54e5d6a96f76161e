// Package staging buffers an incoming firmware image by offset in a flash
// region that is independent of the running image.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fly-io/fwupdate/pkg/device"
	"github.com/fly-io/fwupdate/pkg/integrity"
)

var (
	// ErrTooLarge is returned for payloads above the MTU or past the region end.
	ErrTooLarge = errors.New("staging: payload too large")
	// ErrShortRead means fewer bytes were staged than requested.
	ErrShortRead = errors.New("staging: staged image shorter than expected")
)

// readChunk is the buffer size used for readback.
const readChunk = 32 * 1024

// Store is the append-only staging area. It does not track the append
// position itself; the caller owns that in durable metadata and passes it in.
type Store struct {
	flash device.Flash
	mtu   int
}

// New returns a store over flash accepting writes of at most mtu bytes.
func New(flash device.Flash, mtu int) (*Store, error) {
	if mtu <= 0 || mtu > device.MaxMTU {
		return nil, fmt.Errorf("staging: mtu %d out of range (1..%d)", mtu, device.MaxMTU)
	}
	if int64(mtu) > flash.Capacity() {
		return nil, fmt.Errorf("staging: mtu %d exceeds capacity %d", mtu, flash.Capacity())
	}
	return &Store{flash: flash, mtu: mtu}, nil
}

func (s *Store) MTU() int {
	return s.mtu
}

func (s *Store) Capacity() int64 {
	return s.flash.Capacity()
}

// CheckFits reports ErrTooLarge if data cannot be appended at offset.
func (s *Store) CheckFits(offset int64, n int) error {
	if n > s.mtu {
		return fmt.Errorf("%w: %d bytes exceeds mtu %d", ErrTooLarge, n, s.mtu)
	}
	if offset+int64(n) > s.flash.Capacity() {
		return fmt.Errorf("%w: [%d, %d) exceeds capacity %d", ErrTooLarge, offset, offset+int64(n), s.flash.Capacity())
	}
	return nil
}

// Append programs data at offset. Offset ordering is the caller's contract.
func (s *Store) Append(ctx context.Context, offset int64, data []byte) error {
	if err := s.CheckFits(offset, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return s.flash.Program(ctx, offset, data)
}

// Erase invalidates everything staged.
func (s *Store) Erase(ctx context.Context) error {
	return s.flash.Erase(ctx)
}

// Reader returns a reader over the staged bytes [0, n).
func (s *Store) Reader(ctx context.Context, n int64) io.Reader {
	return &reader{ctx: ctx, flash: s.flash, n: n}
}

// Digest reads back [0, n) and feeds it to v.
func (s *Store) Digest(ctx context.Context, n int64, v *integrity.Verifier) error {
	slog.Info("staging_readback", "bytes", n, "algorithm", v.Algorithm())
	if _, err := v.ReadFrom(s.Reader(ctx, n)); err != nil {
		slog.Error("staging_readback_failed", "bytes", n, "error", err)
		return err
	}
	return nil
}

type reader struct {
	ctx   context.Context
	flash device.Flash
	off   int64
	n     int64
}

func (r *reader) Read(p []byte) (int, error) {
	remaining := r.n - r.off
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	if len(p) > readChunk {
		p = p[:readChunk]
	}
	n, err := r.flash.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)
	if err == io.EOF {
		if n == 0 {
			return 0, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, r.off, r.n)
		}
		err = nil
	}
	return n, err
}
