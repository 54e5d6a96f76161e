package manifest

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	fwerrors "github.com/fly-io/fwupdate/pkg/errors"
	"github.com/fly-io/fwupdate/pkg/security"
)

var gzipMagic = []byte{0x1f, 0x8b}

// ExtractBundle unpacks a .tar or .tar.gz release bundle into destDir and
// returns its manifest. The bundle must carry manifest.yaml at its root and
// the image it names.
func ExtractBundle(bundlePath, destDir string, validator *security.Validator) (*Manifest, error) {
	slog.Info("bundle_extract_started", "bundle", bundlePath, "dest", destDir)
	validator.Reset()

	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fwerrors.Wrap(err, "failed to open bundle")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fwerrors.Wrap(err, "failed to stat bundle")
	}

	br := bufio.NewReader(f)
	var r io.Reader = br
	compressed := false
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fwerrors.Wrap(err, "failed to open gzip stream")
		}
		defer gz.Close()
		r = gz
		compressed = true
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fwerrors.Wrap(err, "failed to create extraction directory")
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fwerrors.Wrap(err, "bundle read error")
		}

		if err := validator.ValidateEntry(hdr); err != nil {
			return nil, fwerrors.Wrap(err, "invalid bundle entry")
		}

		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, fwerrors.Wrap(err, "failed to create directory")
			}
		case tar.TypeReg:
			if err := validator.AddExtracted(hdr.Size); err != nil {
				return nil, err
			}
			if err := extractFile(tr, target); err != nil {
				return nil, err
			}
		}
	}

	if compressed {
		if err := validator.ValidateCompressionRatio(fi.Size(), validator.Extracted()); err != nil {
			return nil, err
		}
	}

	m, err := Load(filepath.Join(destDir, FileName))
	if err != nil {
		return nil, err
	}
	if m.Image == "" {
		return nil, fmt.Errorf("bundle manifest must name an image inside the bundle")
	}
	if err := validator.ValidatePath(m.Image); err != nil {
		return nil, fwerrors.Wrap(err, "invalid image path in manifest")
	}
	if _, err := os.Stat(m.ImagePath()); err != nil {
		return nil, fwerrors.Wrapf(err, "bundle is missing image %s", m.Image)
	}

	slog.Info("bundle_extract_complete", "bundle", bundlePath, "version", m.Version, "bytes", validator.Extracted())
	return m, nil
}

func extractFile(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fwerrors.Wrap(err, "failed to create parent dir")
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fwerrors.Wrap(err, "failed to create file")
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fwerrors.Wrap(err, "failed to write file")
	}
	return out.Close()
}
