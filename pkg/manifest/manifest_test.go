package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fly-io/fwupdate/pkg/integrity"
)

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestParse(t *testing.T) {
	sum := checksumOf([]byte("image"))

	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"local image", "version: v1\nimage: fw.bin\nchecksum: " + sum + "\n", ""},
		{"s3 image", "version: v1\ns3-key: releases/v1/fw.bin\nchecksum: " + sum + "\nalgorithm: blake2b-256\n", ""},
		{"missing version", "image: fw.bin\nchecksum: " + sum + "\n", "version"},
		{"no source", "version: v1\nchecksum: " + sum + "\n", "exactly one"},
		{"two sources", "version: v1\nimage: a\ns3-key: b\nchecksum: " + sum + "\n", "exactly one"},
		{"short checksum", "version: v1\nimage: fw.bin\nchecksum: abcd\n", "32 bytes"},
		{"non-hex checksum", "version: v1\nimage: fw.bin\nchecksum: " + strings.Repeat("z", 64) + "\n", "hex"},
		{"unknown algorithm", "version: v1\nimage: fw.bin\nchecksum: " + sum + "\nalgorithm: md5\n", "unsupported"},
		{"bad yaml", "version: [\n", "decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_ResolvesImageAndVerifies(t *testing.T) {
	dir := t.TempDir()
	image := []byte("firmware image bytes")
	if err := os.WriteFile(filepath.Join(dir, "fw.bin"), image, 0644); err != nil {
		t.Fatal(err)
	}
	doc := "version: \"2.4.1\"\nimage: fw.bin\nchecksum: " + checksumOf(image) + "\n"
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if m.Version != "2.4.1" {
		t.Errorf("version = %q", m.Version)
	}
	if got := m.ImagePath(); got != filepath.Join(dir, "fw.bin") {
		t.Errorf("ImagePath() = %q", got)
	}
	if m.DigestAlgorithm() != integrity.SHA256 {
		t.Errorf("default algorithm = %q", m.DigestAlgorithm())
	}
	if err := m.VerifyFile(m.ImagePath()); err != nil {
		t.Errorf("verify failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "fw.bin"), []byte("tampered"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.VerifyFile(m.ImagePath()); err == nil {
		t.Error("expected verify to fail for tampered image")
	}
}
