// Package fsm implements the firmware flash workflow. It drives a device
// through start, chunked transfer and commit using the superfly/fsm
// library so an interrupted flash resumes from the device's durable offset.
package fsm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/superfly/fsm"

	"github.com/fly-io/fwupdate/pkg/errors"
	"github.com/fly-io/fwupdate/pkg/firmware"
	"github.com/fly-io/fwupdate/pkg/integrity"
	"github.com/fly-io/fwupdate/pkg/storage"
)

// Device is the part of *firmware.Device the workflow drives.
type Device interface {
	Status(ctx context.Context) (*firmware.Status, error)
	Start(ctx context.Context, version []byte) error
	Write(ctx context.Context, offset uint32, data []byte) error
	Update(ctx context.Context, version []byte, checksum [integrity.Size]byte) error
	MTU() int
	Capacity() int64
}

// Downloader fetches release images. *storage.Client implements it.
type Downloader interface {
	Download(ctx context.Context, s3Key, localPath string, alg integrity.Algorithm, maxSize int64) (*storage.DownloadResult, error)
}

// maxResyncs bounds consecutive InvalidOffset resynchronisations without progress.
const maxResyncs = 3

// Machine holds dependencies for FSM transitions
type Machine struct {
	dev        Device
	downloader Downloader
	workDir    string
	maxRetries int
	newBackOff func() backoff.BackOff
	retryCount func(context.Context) uint64
}

// NewMachine creates a new FSM machine with dependencies. downloader may be
// nil when only local images are flashed.
func NewMachine(dev Device, downloader Downloader, workDir string, maxRetries int, writeMaxElapsed time.Duration) *Machine {
	return &Machine{
		dev:        dev,
		downloader: downloader,
		workDir:    workDir,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = writeMaxElapsed
			return b
		},
		retryCount: fsm.RetryFromContext,
	}
}

// Register registers the firmware flash FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[FlashRequest, FlashResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[FlashRequest, FlashResponse](manager, "firmware-flash").
		Start(StateCheckStatus, m.handleCheckStatus).
		To(StateStart, m.handleStart).
		To(StateTransfer, m.handleTransfer).
		To(StateCommit, m.handleCommit).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
