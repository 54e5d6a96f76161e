package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fly-io/fwupdate/pkg/errors"
)

// Restarter transfers control to a restart primitive. It must not return.
type Restarter func()

type bootFile struct {
	Active  *BootRecord `json:"active,omitempty"`
	Pending *BootRecord `json:"pending,omitempty"`
}

// FileAdapter implements Adapter on top of a regular file (or raw block
// device node) for staging and a JSON boot record next to it.
type FileAdapter struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	capacity int64
	bootPath string
	restart  Restarter
}

var _ Adapter = (*FileAdapter)(nil)

// NewFileAdapter opens (creating if needed) the staging file and prepares the
// boot record location. A nil restart falls back to SystemRestart.
func NewFileAdapter(stagingPath, bootRecordPath string, capacity int64, restart Restarter) (*FileAdapter, error) {
	slog.Info("device_init", "staging_path", stagingPath, "boot_record_path", bootRecordPath, "capacity", capacity)

	if capacity <= 0 {
		return nil, fmt.Errorf("device: capacity must be positive, got %d", capacity)
	}
	if err := os.MkdirAll(filepath.Dir(stagingPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create staging directory")
	}
	if err := os.MkdirAll(filepath.Dir(bootRecordPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create boot record directory")
	}

	f, err := os.OpenFile(stagingPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		slog.Error("staging_open_failed", "staging_path", stagingPath, "error", err)
		return nil, errors.Wrap(err, "failed to open staging region")
	}

	if restart == nil {
		restart = SystemRestart
	}

	slog.Info("device_ready", "staging_path", stagingPath)
	return &FileAdapter{
		f:        f,
		path:     stagingPath,
		capacity: capacity,
		bootPath: bootRecordPath,
		restart:  restart,
	}, nil
}

func (a *FileAdapter) Capacity() int64 {
	return a.capacity
}

func (a *FileAdapter) Erase(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	slog.Info("flash_erase", "staging_path", a.path)
	if err := a.f.Truncate(0); err != nil {
		slog.Error("flash_erase_failed", "staging_path", a.path, "error", err)
		return errors.Wrap(err, "failed to truncate staging region")
	}
	if err := a.f.Sync(); err != nil {
		slog.Error("flash_sync_failed", "staging_path", a.path, "error", err)
		return errors.Wrap(err, "failed to sync staging region")
	}
	return nil
}

func (a *FileAdapter) Program(ctx context.Context, offset int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if offset < 0 || offset+int64(len(data)) > a.capacity {
		return fmt.Errorf("%w: program [%d, %d) capacity %d", ErrOutOfRange, offset, offset+int64(len(data)), a.capacity)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.f.WriteAt(data, offset); err != nil {
		slog.Error("flash_program_failed", "offset", offset, "len", len(data), "error", err)
		return errors.Wrap(err, "failed to program staging region")
	}
	if err := a.f.Sync(); err != nil {
		slog.Error("flash_sync_failed", "staging_path", a.path, "error", err)
		return errors.Wrap(err, "failed to sync staging region")
	}
	return nil
}

func (a *FileAdapter) ReadAt(ctx context.Context, p []byte, offset int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if offset < 0 || offset+int64(len(p)) > a.capacity {
		return 0, fmt.Errorf("%w: read [%d, %d) capacity %d", ErrOutOfRange, offset, offset+int64(len(p)), a.capacity)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.f.ReadAt(p, offset)
	if err != nil && err != io.EOF {
		slog.Error("flash_read_failed", "offset", offset, "len", len(p), "error", err)
		return n, errors.Wrap(err, "failed to read staging region")
	}
	return n, err
}

func (a *FileAdapter) MarkPendingBoot(ctx context.Context, rec BootRecord) error {
	return a.updateBootFile(ctx, func(bf *bootFile) {
		rec.Pending = true
		bf.Pending = &rec
	})
}

func (a *FileAdapter) ClearPendingBoot(ctx context.Context) error {
	return a.updateBootFile(ctx, func(bf *bootFile) {
		bf.Pending = nil
	})
}

func (a *FileAdapter) ConfirmBoot(ctx context.Context) error {
	return a.updateBootFile(ctx, func(bf *bootFile) {
		if bf.Pending == nil {
			return
		}
		bf.Active = bf.Pending
		bf.Active.Pending = false
		bf.Pending = nil
	})
}

func (a *FileAdapter) BootRecord(ctx context.Context) (*BootRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	bf, err := a.readBootFile()
	if err != nil {
		return nil, err
	}
	if bf.Pending != nil {
		return bf.Pending, nil
	}
	return bf.Active, nil
}

// Reset hands control to the restart primitive.
func (a *FileAdapter) Reset() {
	slog.Warn("device_reset", "staging_path", a.path)
	a.restart()
	panic("device: restart primitive returned")
}

func (a *FileAdapter) Close() error {
	return a.f.Close()
}

func (a *FileAdapter) updateBootFile(ctx context.Context, mutate func(*bootFile)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	bf, err := a.readBootFile()
	if err != nil {
		return err
	}
	mutate(bf)

	data, err := json.Marshal(bf)
	if err != nil {
		return errors.Wrap(err, "failed to encode boot record")
	}
	if err := writeFileAtomic(a.bootPath, data); err != nil {
		slog.Error("boot_record_write_failed", "path", a.bootPath, "error", err)
		return err
	}
	slog.Info("boot_record_written", "path", a.bootPath, "pending", bf.Pending != nil)
	return nil
}

func (a *FileAdapter) readBootFile() (*bootFile, error) {
	data, err := os.ReadFile(a.bootPath)
	if os.IsNotExist(err) {
		return &bootFile{}, nil
	}
	if err != nil {
		slog.Error("boot_record_read_failed", "path", a.bootPath, "error", err)
		return nil, errors.Wrap(err, "failed to read boot record")
	}
	var bf bootFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return nil, errors.Wrap(err, "failed to decode boot record")
	}
	return &bf, nil
}

// writeFileAtomic replaces path so that readers see either the old or the
// new content after a power loss.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "failed to rename boot record")
	}

	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "failed to open boot record directory")
	}
	defer d.Close()
	return d.Sync()
}
