package fsm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/superfly/fsm"

	"github.com/fly-io/fwupdate/pkg/firmware"
	"github.com/fly-io/fwupdate/pkg/integrity"
)

type handler func(context.Context, *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error)

// countingDevice records which operations the workflow reached.
type countingDevice struct {
	Device
	starts    int
	writes    int
	updates   int
	updateErr error
}

func (c *countingDevice) Start(ctx context.Context, version []byte) error {
	c.starts++
	return c.Device.Start(ctx, version)
}

func (c *countingDevice) Write(ctx context.Context, offset uint32, data []byte) error {
	c.writes++
	return c.Device.Write(ctx, offset, data)
}

func (c *countingDevice) Update(ctx context.Context, version []byte, checksum [integrity.Size]byte) error {
	c.updates++
	if c.updateErr != nil {
		return c.updateErr
	}
	return c.Device.Update(ctx, version, checksum)
}

func (m *Machine) handlers() []handler {
	return []handler{m.handleCheckStatus, m.handleStart, m.handleTransfer, m.handleCommit, m.handleComplete}
}

// runHandlers drives the states in order the way the fsm would on a clean run.
func runHandlers(ctx context.Context, m *Machine, req *FlashRequest, resp *FlashResponse) error {
	r := fsm.NewRequest(req, resp)
	for _, h := range m.handlers() {
		if _, err := h(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func TestHandlers_FlashThenAlreadyPending(t *testing.T) {
	ctx := context.Background()
	dev := &countingDevice{Device: newTestDevice(t)}
	_, req := writeImage(t, 200)
	m := newTestMachine(dev, nil, t.TempDir())

	resp := &FlashResponse{}
	if err := runHandlers(ctx, m, req, resp); err != nil {
		t.Fatalf("flash failed: %v", err)
	}
	if resp.Status != StatusPending || resp.BytesWritten != 200 || resp.CurrentVersion != "v0" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if dev.starts != 1 || dev.updates != 1 || dev.writes == 0 {
		t.Fatalf("unexpected calls starts=%d writes=%d updates=%d", dev.starts, dev.writes, dev.updates)
	}

	writes := dev.writes
	resp = &FlashResponse{}
	if err := runHandlers(ctx, m, req, resp); err != nil {
		t.Fatalf("second flash failed: %v", err)
	}
	if !resp.AlreadyPending || resp.Status != StatusPending || resp.BytesWritten != 0 {
		t.Errorf("unexpected response %+v", resp)
	}
	if dev.starts != 1 || dev.updates != 1 || dev.writes != writes {
		t.Errorf("pending image was touched: starts=%d writes=%d updates=%d", dev.starts, dev.writes-writes, dev.updates)
	}
}

func TestFail_Classification(t *testing.T) {
	m := newTestMachine(nil, nil, t.TempDir())

	tests := []struct {
		kind      firmware.Kind
		retryable bool
	}{
		{firmware.StorageWrite, true},
		{firmware.StorageRead, true},
		{firmware.StorageErase, true},
		{firmware.ChecksumMismatch, false},
		{firmware.VersionMismatch, false},
		{firmware.InvalidOffset, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			resp := &FlashResponse{}
			err := &firmware.Error{Op: "update", Kind: tt.kind, Err: errors.New("boom")}

			got := m.fail(resp, err)
			if got == nil {
				t.Fatal("fail returned nil")
			}
			if tt.retryable {
				if got != error(err) {
					t.Errorf("retryable error should be returned as is, got %v", got)
				}
				if resp.Status != "" {
					t.Errorf("retryable error should not mark the run failed, got %q", resp.Status)
				}
				return
			}
			if resp.Status != StatusFailed || resp.ErrorMessage != err.Error() {
				t.Errorf("expected failed response, got %+v", resp)
			}
		})
	}
}

func TestHandleCommit_ChecksumMismatchFails(t *testing.T) {
	ctx := context.Background()
	dev := newTestDevice(t)
	_, req := writeImage(t, 100)
	m := newTestMachine(dev, nil, t.TempDir())

	resp := &FlashResponse{}
	r := fsm.NewRequest(req, resp)
	for _, h := range m.handlers()[:3] {
		if _, err := h(ctx, r); err != nil {
			t.Fatalf("transfer failed: %v", err)
		}
	}

	bad := *req
	wrong := sha256.Sum256([]byte("something else"))
	bad.Checksum = hex.EncodeToString(wrong[:])
	if _, err := m.handleCommit(ctx, fsm.NewRequest(&bad, resp)); err == nil {
		t.Fatal("expected commit to fail")
	}
	if resp.Status != StatusFailed {
		t.Errorf("status = %q, want %q", resp.Status, StatusFailed)
	}

	st, err := dev.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pending || st.NextOffset != 0 {
		t.Errorf("mismatched image should be discarded, got %+v", st)
	}
}

func TestHandleCommit_StorageErrorIsRetried(t *testing.T) {
	ctx := context.Background()
	dev := &countingDevice{
		Device:    newTestDevice(t),
		updateErr: &firmware.Error{Op: "update", Kind: firmware.StorageRead, Err: errors.New("read fault")},
	}
	_, req := writeImage(t, 100)
	m := newTestMachine(dev, nil, t.TempDir())

	resp := &FlashResponse{}
	err := runHandlers(ctx, m, req, resp)
	if !errors.Is(err, firmware.ErrStorageRead) {
		t.Fatalf("expected StorageRead for retry, got %v", err)
	}
	if resp.Status != "" {
		t.Errorf("run should stay open for retry, got status %q", resp.Status)
	}

	dev.updateErr = nil
	if _, err := m.handleCommit(ctx, fsm.NewRequest(req, resp)); err != nil {
		t.Fatalf("retried commit failed: %v", err)
	}
	st, _ := dev.Status(ctx)
	if !st.Pending {
		t.Error("retried commit should leave the image pending")
	}
}

func TestCheckRetries(t *testing.T) {
	ctx := context.Background()
	_, req := writeImage(t, 10)

	tests := []struct {
		retries uint64
		wantErr bool
	}{
		{0, false},
		{2, false},
		{3, true},
		{7, true},
	}

	for _, tt := range tests {
		dev := &countingDevice{Device: newTestDevice(t)}
		m := newTestMachine(dev, nil, t.TempDir())
		m.retryCount = func(context.Context) uint64 { return tt.retries }

		_, err := m.handleStart(ctx, fsm.NewRequest(req, &FlashResponse{}))
		if (err != nil) != tt.wantErr {
			t.Errorf("retries=%d: err = %v, wantErr %v", tt.retries, err, tt.wantErr)
		}
		if tt.wantErr && dev.starts != 0 {
			t.Errorf("retries=%d: device was started after the retry budget ran out", tt.retries)
		}
	}
}

func TestRegister_RunsWorkflow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manager, err := fsm.New(fsm.Config{DBPath: t.TempDir()})
	if err != nil {
		t.Fatalf("fsm manager: %v", err)
	}
	defer manager.Shutdown(5 * time.Second)

	dev := newTestDevice(t)
	_, req := writeImage(t, 300)
	m := newTestMachine(dev, nil, t.TempDir())

	start, _, err := m.Register(ctx, manager)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	version, err := start(ctx, req.Version+"-"+req.Checksum[:16], fsm.NewRequest(req, &FlashResponse{}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := manager.Wait(ctx, version); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}

	st, err := dev.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Pending || st.NextOffset != 300 || string(st.NextVersion) != "v1" {
		t.Errorf("unexpected device status %+v", st)
	}
}
