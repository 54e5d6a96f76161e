package fsm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/superfly/fsm"

	"github.com/fly-io/fwupdate/pkg/errors"
	"github.com/fly-io/fwupdate/pkg/firmware"
	"github.com/fly-io/fwupdate/pkg/storage"
)

// checkRetries aborts the run once a state has been retried maxRetries times.
func (m *Machine) checkRetries(ctx context.Context, state string, req *FlashRequest) error {
	if retryCount := m.retryCount(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "state", state, "version", req.Version, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded in %s", m.maxRetries, state))
	}
	return nil
}

// fail records err on resp and aborts, or returns err for another attempt if
// the device reported a transient storage failure.
func (m *Machine) fail(resp *FlashResponse, err error) error {
	if firmware.KindOf(err).Retryable() {
		return err
	}
	resp.Status = StatusFailed
	resp.ErrorMessage = err.Error()
	return fsm.Abort(err)
}

func response(req *fsm.Request[FlashRequest, FlashResponse]) *FlashResponse {
	if req.W.Msg == nil {
		return &FlashResponse{}
	}
	return req.W.Msg
}

// handleCheckStatus validates the request and reads where the device is
func (m *Machine) handleCheckStatus(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_check_status", "version", req.Msg.Version)

	if err := m.checkRetries(ctx, StateCheckStatus, req.Msg); err != nil {
		return nil, err
	}
	resp := response(req)

	if _, _, err := parseRequest(req.Msg); err != nil {
		slog.Error("flash_request_invalid", "version", req.Msg.Version, "error", err)
		return nil, m.fail(resp, err)
	}

	if req.Msg.ImagePath != "" {
		fi, err := os.Stat(req.Msg.ImagePath)
		if err != nil {
			return nil, m.fail(resp, errors.Wrap(err, "failed to stat image"))
		}
		if err := m.checkImageSize(fi.Size()); err != nil {
			return nil, m.fail(resp, err)
		}
	}

	st, err := m.dev.Status(ctx)
	if err != nil {
		slog.Error("device_status_failed", "error", err)
		return nil, m.fail(resp, err)
	}

	version := []byte(req.Msg.Version)
	resp.CurrentVersion = string(st.CurrentVersion)
	resp.AlreadyPending = st.Pending && bytes.Equal(st.NextVersion, version)
	resp.ResumeOffset = resumeOffset(st, version)

	slog.Info("device_status",
		"current_version", resp.CurrentVersion,
		"next_version", string(st.NextVersion),
		"next_offset", st.NextOffset,
		"pending", st.Pending,
		"already_pending", resp.AlreadyPending)

	return fsm.NewResponse(resp), nil
}

// handleStart opens or resumes the update session
func (m *Machine) handleStart(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_start", "version", req.Msg.Version)

	if err := m.checkRetries(ctx, StateStart, req.Msg); err != nil {
		return nil, err
	}
	resp := response(req)
	if resp.AlreadyPending {
		return fsm.NewResponse(resp), nil
	}

	if err := m.dev.Start(ctx, []byte(req.Msg.Version)); err != nil {
		slog.Error("session_start_failed", "version", req.Msg.Version, "error", err)
		return nil, m.fail(resp, err)
	}

	return fsm.NewResponse(resp), nil
}

// handleTransfer fetches the image if needed and streams it in MTU chunks
func (m *Machine) handleTransfer(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_transfer", "version", req.Msg.Version)

	if err := m.checkRetries(ctx, StateTransfer, req.Msg); err != nil {
		return nil, err
	}
	resp := response(req)
	if resp.AlreadyPending {
		return fsm.NewResponse(resp), nil
	}

	path, err := m.fetchImage(ctx, req.Msg)
	if err != nil {
		slog.Error("image_fetch_failed", "version", req.Msg.Version, "error", err)
		if errors.Is(err, errImageMismatch) || errors.Is(err, errNoDownloader) || errors.Is(err, storage.ErrTooLarge) {
			return nil, m.fail(resp, err)
		}
		return nil, err
	}

	if err := m.transfer(ctx, req.Msg, path, resp); err != nil {
		slog.Error("transfer_failed", "version", req.Msg.Version, "bytes_written", resp.BytesWritten, "error", err)
		return nil, m.fail(resp, err)
	}

	return fsm.NewResponse(resp), nil
}

// handleCommit asks the device to verify and mark the image for boot
func (m *Machine) handleCommit(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_commit", "version", req.Msg.Version)

	if err := m.checkRetries(ctx, StateCommit, req.Msg); err != nil {
		return nil, err
	}
	resp := response(req)
	if resp.AlreadyPending {
		return fsm.NewResponse(resp), nil
	}

	checksum, _, err := parseRequest(req.Msg)
	if err != nil {
		return nil, m.fail(resp, err)
	}
	if err := m.dev.Update(ctx, []byte(req.Msg.Version), checksum); err != nil {
		slog.Error("commit_failed", "version", req.Msg.Version, "error", err)
		return nil, m.fail(resp, err)
	}

	return fsm.NewResponse(resp), nil
}

// handleComplete marks the run as done
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_complete", "version", req.Msg.Version)

	resp := response(req)
	resp.Status = StatusPending

	slog.Info("fsm_complete",
		"version", req.Msg.Version,
		"status", resp.Status,
		"bytes_written", resp.BytesWritten,
		"chunks", resp.Chunks,
		"resyncs", resp.Resyncs)

	return fsm.NewResponse(resp), nil
}
