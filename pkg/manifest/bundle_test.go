package manifest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/fwupdate/pkg/security"
)

type entry struct {
	hdr  tar.Header
	body []byte
}

func file(name string, body []byte) entry {
	return entry{hdr: tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(body))}, body: body}
}

func writeBundle(t *testing.T, compress bool, entries ...entry) string {
	t.Helper()

	var buf bytes.Buffer
	var gz *gzip.Writer
	var tw *tar.Writer
	if compress {
		gz = gzip.NewWriter(&buf)
		tw = tar.NewWriter(gz)
	} else {
		tw = tar.NewWriter(&buf)
	}
	for _, e := range entries {
		hdr := e.hdr
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if len(e.body) > 0 {
			if _, err := tw.Write(e.body); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(t.TempDir(), "bundle.tar")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func manifestFor(image []byte) []byte {
	return []byte("version: v1\nimage: images/fw.bin\nchecksum: " + checksumOf(image) + "\n")
}

func TestExtractBundle(t *testing.T) {
	image := bytes.Repeat([]byte("firmware"), 64)

	for _, compress := range []bool{false, true} {
		bundle := writeBundle(t, compress,
			entry{hdr: tar.Header{Name: "images/", Typeflag: tar.TypeDir, Mode: 0755}},
			file("images/fw.bin", image),
			file(FileName, manifestFor(image)),
		)
		dest := t.TempDir()

		m, err := ExtractBundle(bundle, dest, security.NewValidator(1<<20, 1<<20, 100))
		if err != nil {
			t.Fatalf("compress=%v: extract failed: %v", compress, err)
		}
		if m.ImagePath() != filepath.Join(dest, "images", "fw.bin") {
			t.Errorf("compress=%v: image path %q", compress, m.ImagePath())
		}
		if err := m.VerifyFile(m.ImagePath()); err != nil {
			t.Errorf("compress=%v: extracted image does not verify: %v", compress, err)
		}
	}
}

func TestExtractBundle_Rejects(t *testing.T) {
	image := []byte("firmware")

	tests := []struct {
		name    string
		entries []entry
		want    error
	}{
		{
			name: "symlink",
			entries: []entry{
				{hdr: tar.Header{Name: "images/fw.bin", Typeflag: tar.TypeSymlink, Linkname: "/dev/mtd0"}},
				file(FileName, manifestFor(image)),
			},
			want: security.ErrUnsupportedEntry,
		},
		{
			name:    "traversal",
			entries: []entry{file("../../etc/passwd", image)},
			want:    security.ErrUnsafePath,
		},
		{
			name:    "image too large",
			entries: []entry{file("images/fw.bin", make([]byte, 2048))},
			want:    security.ErrTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bundle := writeBundle(t, false, tt.entries...)
			_, err := ExtractBundle(bundle, t.TempDir(), security.NewValidator(1024, 4096, 100))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestExtractBundle_CompressionBomb(t *testing.T) {
	image := make([]byte, 512*1024)
	bundle := writeBundle(t, true, file("images/fw.bin", image), file(FileName, manifestFor(image)))

	_, err := ExtractBundle(bundle, t.TempDir(), security.NewValidator(1<<20, 1<<20, 10))
	if !errors.Is(err, security.ErrCompressionBomb) {
		t.Errorf("expected ErrCompressionBomb, got %v", err)
	}
}

func TestExtractBundle_MissingPieces(t *testing.T) {
	image := []byte("firmware")

	noManifest := writeBundle(t, false, file("images/fw.bin", image))
	if _, err := ExtractBundle(noManifest, t.TempDir(), security.NewValidator(1024, 4096, 100)); err == nil {
		t.Error("expected error for bundle without manifest")
	}

	noImage := writeBundle(t, false, file(FileName, manifestFor(image)))
	if _, err := ExtractBundle(noImage, t.TempDir(), security.NewValidator(1024, 4096, 100)); err == nil {
		t.Error("expected error for bundle without image")
	}
}
