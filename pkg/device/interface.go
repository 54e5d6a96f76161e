// Package device is the boundary between the update state machine and the
// hardware: staging flash, the boot marker and the restart primitive.
package device

import (
	"context"
	"errors"
)

// ErrOutOfRange is returned when a program or read falls outside the flash region.
var ErrOutOfRange = errors.New("device: access outside flash region")

// BootRecord describes the image selected for the next boot.
type BootRecord struct {
	Version  []byte `json:"version"`
	Size     int64  `json:"size"`
	Checksum []byte `json:"checksum"`
	// Pending is true until the booted image confirms itself.
	Pending bool `json:"pending"`
}

// Flash is a block of write-once storage used to stage incoming images.
type Flash interface {
	// Erase invalidates the whole staging region.
	Erase(ctx context.Context) error

	// Program writes data at offset and returns once it is durable.
	Program(ctx context.Context, offset int64, data []byte) error

	// ReadAt reads staged bytes back.
	ReadAt(ctx context.Context, p []byte, offset int64) (int, error)

	// Capacity is the size of the staging region in bytes.
	Capacity() int64
}

// Adapter turns state machine decisions into physical effects.
type Adapter interface {
	Flash

	// MarkPendingBoot selects the staged image for the next boot.
	MarkPendingBoot(ctx context.Context, rec BootRecord) error

	// ClearPendingBoot drops a pending selection that was never booted.
	ClearPendingBoot(ctx context.Context) error

	// ConfirmBoot makes the running image permanent and clears the pending marker.
	ConfirmBoot(ctx context.Context) error

	// BootRecord returns the current boot record, or nil if none was ever written.
	BootRecord(ctx context.Context) (*BootRecord, error)

	// Reset restarts the device. It does not return.
	Reset()

	// Close releases the underlying storage.
	Close() error
}
