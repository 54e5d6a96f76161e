package fsm

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"

	"github.com/fly-io/fwupdate/pkg/errors"
	"github.com/fly-io/fwupdate/pkg/firmware"
	"github.com/fly-io/fwupdate/pkg/integrity"
)

var (
	errImageMismatch = errors.New("image does not match release checksum")
	errNoDownloader  = errors.New("no release storage configured")
	errSessionLost   = errors.New("update session was taken over by another version")
)

func parseRequest(req *FlashRequest) ([integrity.Size]byte, integrity.Algorithm, error) {
	var sum [integrity.Size]byte
	if req.Version == "" {
		return sum, "", errors.New("missing version")
	}
	if (req.ImagePath == "") == (req.S3Key == "") {
		return sum, "", errors.New("exactly one of image path or s3 key must be set")
	}
	alg, err := integrity.ParseAlgorithm(req.Algorithm)
	if err != nil {
		return sum, "", err
	}
	raw, err := hex.DecodeString(req.Checksum)
	if err != nil || len(raw) != integrity.Size {
		return sum, "", fmt.Errorf("checksum must be %d hex-encoded bytes", integrity.Size)
	}
	copy(sum[:], raw)
	return sum, alg, nil
}

func (m *Machine) checkImageSize(size int64) error {
	if size == 0 {
		return errors.New("image is empty")
	}
	if size > m.dev.Capacity() {
		return fmt.Errorf("image of %d bytes exceeds staging capacity %d", size, m.dev.Capacity())
	}
	return nil
}

func resumeOffset(st *firmware.Status, version []byte) uint32 {
	if st.NextOffset > 0 && bytes.Equal(st.NextVersion, version) {
		return st.NextOffset
	}
	return 0
}

// fetchImage returns a local path holding the verified image, downloading it
// into the work directory when the release lives in S3.
func (m *Machine) fetchImage(ctx context.Context, req *FlashRequest) (string, error) {
	want, alg, err := parseRequest(req)
	if err != nil {
		return "", err
	}

	path := req.ImagePath
	if path == "" {
		if m.downloader == nil {
			return "", errNoDownloader
		}
		path = filepath.Join(m.workDir, "downloads", req.Checksum[:16]+"-"+filepath.Base(req.S3Key))
		if err := verifyImage(path, alg, want); err == nil {
			slog.Info("download_reused", "s3_key", req.S3Key, "local_path", path)
			return path, nil
		}

		res, err := m.downloader.Download(ctx, req.S3Key, path, alg, m.dev.Capacity())
		if err != nil {
			return "", err
		}
		if !integrity.Equal(res.Digest, want) {
			os.Remove(path)
			return "", fmt.Errorf("%w: %s", errImageMismatch, req.S3Key)
		}
		return res.LocalPath, nil
	}

	if err := verifyImage(path, alg, want); err != nil {
		return "", err
	}
	return path, nil
}

func verifyImage(path string, alg integrity.Algorithm, want [integrity.Size]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	got, err := integrity.Digest(alg, f)
	if err != nil {
		return err
	}
	if !integrity.Equal(got, want) {
		return fmt.Errorf("%w: %s", errImageMismatch, path)
	}
	return nil
}

// transfer streams the image at path to the device in MTU chunks, starting at
// the device's durable offset. Transient storage errors are retried with
// backoff. InvalidOffset resynchronises through Status.
func (m *Machine) transfer(ctx context.Context, req *FlashRequest, path string, resp *FlashResponse) error {
	version := []byte(req.Version)

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat image")
	}
	size := fi.Size()
	if err := m.checkImageSize(size); err != nil {
		return err
	}
	resp.LocalPath = path
	resp.ImageSize = size

	st, err := m.dev.Status(ctx)
	if err != nil {
		return err
	}
	off := resumeOffset(st, version)
	slog.Info("transfer_started", "version", req.Version, "size", size, "offset", off, "mtu", m.dev.MTU())

	buf := make([]byte, m.dev.MTU())
	resyncs := 0
	for int64(off) < size {
		n := int64(len(buf))
		if remaining := size - int64(off); remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		if got, err := f.ReadAt(chunk, int64(off)); int64(got) < n {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrapf(err, "failed to read image at %d", off)
		}

		err := m.writeChunk(ctx, off, chunk)
		if firmware.KindOf(err) == firmware.InvalidOffset {
			resyncs++
			resp.Resyncs++
			if resyncs > maxResyncs {
				return err
			}
			st, serr := m.dev.Status(ctx)
			if serr != nil {
				return serr
			}
			if st.NextOffset > 0 && !bytes.Equal(st.NextVersion, version) {
				return errSessionLost
			}
			slog.Warn("transfer_resync", "offset", off, "device_offset", st.NextOffset)
			off = st.NextOffset
			continue
		}
		if err != nil {
			return err
		}

		resyncs = 0
		off += uint32(n)
		resp.BytesWritten += n
		resp.Chunks++
	}

	slog.Info("transfer_complete", "version", req.Version, "bytes_written", resp.BytesWritten, "chunks", resp.Chunks)
	return nil
}

func (m *Machine) writeChunk(ctx context.Context, off uint32, chunk []byte) error {
	op := func() error {
		err := m.dev.Write(ctx, off, chunk)
		if err == nil {
			return nil
		}
		if firmware.KindOf(err).Retryable() {
			slog.Warn("chunk_write_retry", "offset", off, "len", len(chunk), "error", err)
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(m.newBackOff(), ctx))
}
