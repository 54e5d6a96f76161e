// Package manifest describes firmware releases: a YAML manifest naming the
// version, where the image lives and its trusted checksum.
package manifest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	fwerrors "github.com/fly-io/fwupdate/pkg/errors"
	"github.com/fly-io/fwupdate/pkg/integrity"
)

// FileName is the manifest's name inside a bundle.
const FileName = "manifest.yaml"

type Manifest struct {
	// Version is the opaque tag passed to Start and Update.
	Version string `yaml:"version"`
	// Image is a local path, relative to the manifest's directory.
	Image string `yaml:"image,omitempty"`
	// S3Key names the image object in the release bucket.
	S3Key string `yaml:"s3-key,omitempty"`
	// Checksum is the hex digest of the whole image.
	Checksum string `yaml:"checksum"`
	// Algorithm is "sha256" (default) or "blake2b-256".
	Algorithm string `yaml:"algorithm,omitempty"`

	dir string
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fwerrors.Wrap(err, "failed to read manifest")
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fwerrors.Wrapf(err, "manifest %s", path)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fwerrors.Wrap(err, "failed to decode manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if m.Version == "" {
		return errors.New("missing field: version")
	}
	if (m.Image == "") == (m.S3Key == "") {
		return errors.New("exactly one of image or s3-key must be set")
	}
	if _, err := integrity.ParseAlgorithm(m.Algorithm); err != nil {
		return err
	}
	if _, err := m.Digest(); err != nil {
		return err
	}
	return nil
}

// Digest decodes the checksum.
func (m *Manifest) Digest() ([integrity.Size]byte, error) {
	var out [integrity.Size]byte
	raw, err := hex.DecodeString(m.Checksum)
	if err != nil {
		return out, fmt.Errorf("checksum is not hex: %v", err)
	}
	if len(raw) != integrity.Size {
		return out, fmt.Errorf("checksum must be %d bytes, got %d", integrity.Size, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// DigestAlgorithm returns the parsed algorithm; Validate has already checked it.
func (m *Manifest) DigestAlgorithm() integrity.Algorithm {
	alg, _ := integrity.ParseAlgorithm(m.Algorithm)
	return alg
}

// ImagePath resolves Image against the manifest's directory.
func (m *Manifest) ImagePath() string {
	if m.Image == "" || filepath.IsAbs(m.Image) {
		return m.Image
	}
	return filepath.Join(m.dir, m.Image)
}

// VerifyFile checks the image at path against the manifest before any of it
// is sent to the device.
func (m *Manifest) VerifyFile(path string) error {
	want, err := m.Digest()
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fwerrors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	got, err := integrity.Digest(m.DigestAlgorithm(), f)
	if err != nil {
		return err
	}
	if !integrity.Equal(got, want) {
		return fmt.Errorf("image %s does not match manifest checksum for %s", path, m.Version)
	}
	return nil
}
