package firmware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/fly-io/fwupdate/pkg/db"
	"github.com/fly-io/fwupdate/pkg/device"
	"github.com/fly-io/fwupdate/pkg/integrity"
	"github.com/fly-io/fwupdate/pkg/staging"
)

// DefaultMaxVersionLength bounds version tags when Options leaves it unset.
const DefaultMaxVersionLength = 64

// StateStore persists the update state. *db.Repository implements it.
type StateStore interface {
	LoadState(ctx context.Context) (*db.State, error)
	SaveState(ctx context.Context, st *db.State) error
	RecordEvent(ctx context.Context, ev *db.Event) error
}

// Options tunes a Device.
type Options struct {
	MTU              int
	MaxVersionLength int
	Algorithm        integrity.Algorithm
	Logger           *slog.Logger
}

// Device is the single owner of the staging area and the session metadata.
type Device struct {
	mu            sync.Mutex
	state         StateStore
	adapter       device.Adapter
	store         *staging.Store
	maxVersionLen int
	alg           integrity.Algorithm
	log           *slog.Logger
}

// NewDevice wires the state machine to its collaborators.
func NewDevice(state StateStore, adapter device.Adapter, opts Options) (*Device, error) {
	if opts.MTU == 0 {
		opts.MTU = device.DefaultMTU
	}
	if opts.MaxVersionLength <= 0 {
		opts.MaxVersionLength = DefaultMaxVersionLength
	}
	if opts.Algorithm == "" {
		opts.Algorithm = integrity.SHA256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if adapter.Capacity() > math.MaxUint32 {
		return nil, fmt.Errorf("firmware: staging capacity %d exceeds 32-bit offsets", adapter.Capacity())
	}
	if _, err := integrity.New(opts.Algorithm); err != nil {
		return nil, err
	}

	store, err := staging.New(adapter, opts.MTU)
	if err != nil {
		return nil, err
	}

	return &Device{
		state:         state,
		adapter:       adapter,
		store:         store,
		maxVersionLen: opts.MaxVersionLength,
		alg:           opts.Algorithm,
		log:           opts.Logger,
	}, nil
}

// MTU is the largest payload a single Write accepts.
func (d *Device) MTU() int {
	return d.store.MTU()
}

// Capacity is the largest image the staging area can hold.
func (d *Device) Capacity() int64 {
	return d.store.Capacity()
}

// Status reports the durable state. It has no side effects.
func (d *Device) Status(ctx context.Context) (*Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.load(ctx, "status")
	if err != nil {
		return nil, err
	}

	s := &Status{
		CurrentVersion: cloneBytes(st.CurrentVersion),
		Pending:        st.Pending,
	}
	if s.CurrentVersion == nil {
		s.CurrentVersion = []byte{}
	}
	if st.SessionOpen && st.NextOffset > 0 {
		s.NextOffset = uint32(st.NextOffset)
		s.NextVersion = cloneBytes(st.NextVersion)
		if s.NextVersion == nil {
			s.NextVersion = []byte{}
		}
	}
	return s, nil
}

// Start opens an update session for version, resuming it if the same
// version is already open and discarding any other session.
func (d *Device) Start(ctx context.Context, version []byte) error {
	const op = "start"
	if len(version) > d.maxVersionLen {
		return opError(op, VersionTooLong, 0, version,
			fmt.Errorf("%d bytes exceeds maximum %d", len(version), d.maxVersionLen))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.load(ctx, op)
	if err != nil {
		return err
	}

	if st.SessionOpen && bytes.Equal(st.NextVersion, version) {
		d.log.Info("session_resumed", "version", string(version), "next_offset", st.NextOffset, "pending", st.Pending)
		d.record(ctx, db.EventResumed, version, st.NextOffset, "")
		return nil
	}

	next := st.Clone()
	if st.SessionOpen {
		d.log.Warn("session_superseded",
			"old_version", string(st.NextVersion),
			"old_offset", st.NextOffset,
			"new_version", string(version))

		// The session must be durably dead before its bytes or boot marker go.
		next.ClearSession()
		if err := d.save(ctx, op, next); err != nil {
			return err
		}
		d.record(ctx, db.EventInvalidated, st.NextVersion, st.NextOffset, fmt.Sprintf("superseded by %q", version))
	}

	// A marker may exist without Pending if a commit lost power before it
	// was persisted. It must not outlive the bytes it points at.
	if err := d.adapter.ClearPendingBoot(ctx); err != nil {
		d.log.Error("clear_pending_boot_failed", "version", string(st.NextVersion), "error", err)
		return opError(op, StorageWrite, 0, version, err)
	}

	d.log.Info("staging_erase_started", "version", string(version))
	if err := d.store.Erase(ctx); err != nil {
		d.log.Error("staging_erase_failed", "version", string(version), "error", err)
		return opError(op, StorageErase, 0, version, err)
	}

	next.NextVersion = cloneBytes(version)
	next.SessionOpen = true
	next.NextOffset = 0
	next.Pending = false
	next.DigestAlgorithm = string(d.alg)
	next.DigestState = nil
	next.Checksum = nil
	if err := d.save(ctx, op, next); err != nil {
		return err
	}

	d.log.Info("session_started", "version", string(version), "algorithm", d.alg)
	d.record(ctx, db.EventStarted, version, 0, "")
	return nil
}

// Write appends data at offset, which must equal the durable offset.
func (d *Device) Write(ctx context.Context, offset uint32, data []byte) error {
	const op = "write"

	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.load(ctx, op)
	if err != nil {
		return err
	}

	off := int64(offset)
	if !st.SessionOpen {
		return opError(op, SessionNotOpen, off, nil, errors.New("no update session; call start first"))
	}
	if st.Pending {
		return opError(op, SessionNotOpen, off, st.NextVersion, errors.New("image already committed"))
	}
	if off != st.NextOffset {
		d.log.Warn("write_offset_rejected", "offset", off, "expected", st.NextOffset, "version", string(st.NextVersion))
		return opError(op, InvalidOffset, off, st.NextVersion, fmt.Errorf("expected offset %d", st.NextOffset))
	}
	if err := d.store.CheckFits(off, len(data)); err != nil {
		return opError(op, PayloadTooLarge, off, st.NextVersion, err)
	}
	if len(data) == 0 {
		return nil
	}

	v, err := d.verifierAt(ctx, st)
	if err != nil {
		return opError(op, StorageRead, off, st.NextVersion, err)
	}

	if err := d.store.Append(ctx, off, data); err != nil {
		d.log.Error("write_program_failed", "offset", off, "len", len(data), "error", err)
		return opError(op, StorageWrite, off, st.NextVersion, err)
	}

	v.Write(data)
	digestState, err := v.State()
	if err != nil {
		return opError(op, StorageWrite, off, st.NextVersion, err)
	}

	next := st.Clone()
	next.NextOffset = off + int64(len(data))
	next.DigestState = digestState
	if err := d.save(ctx, op, next); err != nil {
		return err
	}

	d.log.Debug("write_complete", "offset", off, "len", len(data), "next_offset", next.NextOffset)
	return nil
}

// Update verifies the staged image against checksum and, on a match, marks
// it for the next boot. A mismatch discards the session, including an image
// that was already committed under a different checksum.
func (d *Device) Update(ctx context.Context, version []byte, checksum [integrity.Size]byte) error {
	const op = "update"

	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.load(ctx, op)
	if err != nil {
		return err
	}

	if !st.SessionOpen {
		return opError(op, SessionNotOpen, 0, version, errors.New("no update session"))
	}
	if !bytes.Equal(st.NextVersion, version) {
		return opError(op, VersionMismatch, st.NextOffset, version,
			fmt.Errorf("session is for version %q", st.NextVersion))
	}
	if st.Pending && integrity.Equal(checksum, toDigest(st.Checksum)) {
		d.log.Info("update_already_committed", "version", string(version))
		return nil
	}
	if st.NextOffset == 0 {
		return opError(op, InvalidOffset, 0, version, errors.New("no bytes staged"))
	}

	alg, err := integrity.ParseAlgorithm(st.DigestAlgorithm)
	if err != nil {
		return opError(op, StorageRead, st.NextOffset, version, err)
	}
	readback, err := integrity.New(alg)
	if err != nil {
		return opError(op, StorageRead, st.NextOffset, version, err)
	}
	if err := d.store.Digest(ctx, st.NextOffset, readback); err != nil {
		return opError(op, StorageRead, st.NextOffset, version, err)
	}
	staged := readback.Sum()

	if running, ok, _ := integrity.Restore(alg, st.DigestState, st.NextOffset); ok && !st.Pending {
		if !integrity.Equal(running.Sum(), staged) {
			d.log.Error("staged_image_changed", "version", string(version), "bytes", st.NextOffset)
		}
	}

	if !integrity.Equal(staged, checksum) {
		d.log.Error("checksum_mismatch", "version", string(version), "bytes", st.NextOffset)
		if err := d.invalidate(ctx, op, st, "checksum mismatch"); err != nil {
			return err
		}
		return opError(op, ChecksumMismatch, st.NextOffset, version,
			fmt.Errorf("digest of %d staged bytes does not match", st.NextOffset))
	}

	rec := device.BootRecord{
		Version:  cloneBytes(version),
		Size:     st.NextOffset,
		Checksum: append([]byte(nil), checksum[:]...),
	}
	if err := d.adapter.MarkPendingBoot(ctx, rec); err != nil {
		d.log.Error("mark_pending_boot_failed", "version", string(version), "error", err)
		return opError(op, StorageWrite, st.NextOffset, version, err)
	}

	next := st.Clone()
	next.Pending = true
	next.Checksum = append([]byte(nil), checksum[:]...)
	if err := d.save(ctx, op, next); err != nil {
		return err
	}

	d.log.Info("update_committed", "version", string(version), "bytes", st.NextOffset)
	d.record(ctx, db.EventCommitted, version, st.NextOffset, "")
	return nil
}

// Synced confirms that the pending image booted and promotes it to current.
// It is a no-op when nothing is pending.
func (d *Device) Synced(ctx context.Context) error {
	const op = "synced"

	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.load(ctx, op)
	if err != nil {
		return err
	}
	if !st.Pending {
		recovered, err := d.reconcileBootMarker(ctx, op, st)
		if err != nil {
			return err
		}
		if recovered == nil {
			d.log.Info("synced_noop", "current_version", string(st.CurrentVersion))
			return nil
		}
		st = recovered
	}

	if err := d.adapter.ConfirmBoot(ctx); err != nil {
		d.log.Error("confirm_boot_failed", "version", string(st.NextVersion), "error", err)
		return opError(op, StorageWrite, st.NextOffset, st.NextVersion, err)
	}

	next := st.Clone()
	next.CurrentVersion = cloneBytes(st.NextVersion)
	next.ClearSession()
	if err := d.save(ctx, op, next); err != nil {
		return err
	}

	d.log.Info("synced", "current_version", string(next.CurrentVersion), "previous_version", string(st.CurrentVersion))
	d.record(ctx, db.EventSynced, next.CurrentVersion, st.NextOffset, "")
	return nil
}

// Reset restarts the device and never returns. It takes no lock so it stays
// available even while another operation is stuck on I/O.
func (d *Device) Reset() {
	d.log.Warn("device_reset_requested")
	d.adapter.Reset()
	panic("firmware: device reset returned")
}

// reconcileBootMarker handles a pending boot marker that the state store
// does not know about. If it matches the open session the commit completed
// on flash and only its persistence was lost, so the commit is replayed.
// Anything else is cleared. It returns the recovered state, or nil.
func (d *Device) reconcileBootMarker(ctx context.Context, op string, st *db.State) (*db.State, error) {
	rec, err := d.adapter.BootRecord(ctx)
	if err != nil {
		d.log.Error("boot_record_read_failed", "op", op, "error", err)
		return nil, opError(op, StorageRead, 0, nil, err)
	}
	if rec == nil || !rec.Pending {
		return nil, nil
	}

	if st.SessionOpen && bytes.Equal(rec.Version, st.NextVersion) && rec.Size == st.NextOffset && len(rec.Checksum) == integrity.Size {
		next := st.Clone()
		next.Pending = true
		next.Checksum = append([]byte(nil), rec.Checksum...)
		if err := d.save(ctx, op, next); err != nil {
			return nil, err
		}
		d.log.Warn("pending_boot_recovered", "version", string(rec.Version), "bytes", rec.Size)
		d.record(ctx, db.EventCommitted, rec.Version, rec.Size, "recovered from boot marker")
		return next, nil
	}

	d.log.Warn("orphaned_boot_marker_cleared", "version", string(rec.Version), "bytes", rec.Size)
	if err := d.adapter.ClearPendingBoot(ctx); err != nil {
		return nil, opError(op, StorageWrite, 0, rec.Version, err)
	}
	return nil, nil
}

// invalidate durably ends st's session and releases its resources.
func (d *Device) invalidate(ctx context.Context, op string, st *db.State, reason string) error {
	next := st.Clone()
	next.ClearSession()
	if err := d.save(ctx, op, next); err != nil {
		return err
	}
	d.record(ctx, db.EventRejected, st.NextVersion, st.NextOffset, reason)

	if err := d.adapter.ClearPendingBoot(ctx); err != nil {
		d.log.Error("clear_pending_boot_failed", "version", string(st.NextVersion), "error", err)
	}
	if err := d.store.Erase(ctx); err != nil {
		d.log.Error("staging_erase_failed", "version", string(st.NextVersion), "error", err)
	}
	d.log.Warn("session_invalidated", "version", string(st.NextVersion), "reason", reason)
	return nil
}

// verifierAt returns the running digest for the first st.NextOffset bytes,
// rebuilding it from the staged bytes if the saved state is unusable.
func (d *Device) verifierAt(ctx context.Context, st *db.State) (*integrity.Verifier, error) {
	alg, err := integrity.ParseAlgorithm(st.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	v, ok, err := integrity.Restore(alg, st.DigestState, st.NextOffset)
	if err != nil {
		return nil, err
	}
	if ok {
		return v, nil
	}

	d.log.Warn("digest_state_rebuild", "version", string(st.NextVersion), "bytes", st.NextOffset)
	if err := d.store.Digest(ctx, st.NextOffset, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (d *Device) load(ctx context.Context, op string) (*db.State, error) {
	st, err := d.state.LoadState(ctx)
	if err != nil {
		d.log.Error("state_load_failed", "op", op, "error", err)
		return nil, opError(op, StorageRead, 0, nil, err)
	}
	return st, nil
}

func (d *Device) save(ctx context.Context, op string, st *db.State) error {
	if err := d.state.SaveState(ctx, st); err != nil {
		d.log.Error("state_save_failed", "op", op, "next_offset", st.NextOffset, "error", err)
		return opError(op, StorageWrite, st.NextOffset, st.NextVersion, err)
	}
	return nil
}

// record appends to the history. Failures are logged only.
func (d *Device) record(ctx context.Context, event string, version []byte, n int64, detail string) {
	ev := &db.Event{Version: cloneBytes(version), Event: event, Bytes: n, Detail: detail}
	if err := d.state.RecordEvent(ctx, ev); err != nil {
		d.log.Warn("history_record_failed", "event", event, "error", err)
	}
}

func toDigest(b []byte) [integrity.Size]byte {
	var out [integrity.Size]byte
	copy(out[:], b)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
