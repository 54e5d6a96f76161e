package security

import (
	"archive/tar"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrUnsafePath       = errors.New("security: unsafe path")
	ErrUnsupportedEntry = errors.New("security: unsupported bundle entry")
	ErrTooLarge         = errors.New("security: size limit exceeded")
	ErrCompressionBomb  = errors.New("security: compression ratio exceeded")
)

// Validator enforces the limits applied while unpacking a release bundle
type Validator struct {
	maxImageSize        int64
	maxBundleSize       int64
	maxCompressionRatio float64

	mu        sync.Mutex
	extracted int64
}

// NewValidator creates a bundle validator. maxImageSize is normally the
// staging capacity; maxBundleSize caps the sum of all unpacked entries.
func NewValidator(maxImageSize, maxBundleSize int64, maxCompressionRatio float64) *Validator {
	slog.Info("security_validator_init",
		"max_image_size", maxImageSize,
		"max_bundle_size", maxBundleSize,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxImageSize:        maxImageSize,
		maxBundleSize:       maxBundleSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidateEntry checks a tar header before anything is read from it.
// Only regular files and directories are accepted.
func (v *Validator) ValidateEntry(hdr *tar.Header) error {
	if err := v.ValidatePath(hdr.Name); err != nil {
		return err
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		return nil
	case tar.TypeReg:
		return v.ValidateImageSize(hdr.Size)
	default:
		slog.Error("security_entry_rejected", "path", hdr.Name, "type", string(hdr.Typeflag))
		return fmt.Errorf("%w: %s has type %q", ErrUnsupportedEntry, hdr.Name, hdr.Typeflag)
	}
}

// ValidatePath rejects absolute paths and paths escaping the bundle root
func (v *Validator) ValidatePath(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnsafePath)
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		slog.Error("security_path_validation_failed", "path", name, "reason", "absolute_path")
		return fmt.Errorf("%w: absolute path %s", ErrUnsafePath, name)
	}

	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "path_traversal")
		return fmt.Errorf("%w: path traversal in %s", ErrUnsafePath, name)
	}
	return nil
}

// ValidateImageSize checks one entry against the image limit
func (v *Validator) ValidateImageSize(size int64) error {
	if size < 0 || size > v.maxImageSize {
		slog.Error("security_image_size_exceeded", "size", size, "max_image_size", v.maxImageSize)
		return fmt.Errorf("%w: entry of %d bytes exceeds %d", ErrTooLarge, size, v.maxImageSize)
	}
	return nil
}

// AddExtracted tracks the running unpacked size against the bundle limit
func (v *Validator) AddExtracted(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.extracted += size
	if v.extracted > v.maxBundleSize {
		slog.Error("security_bundle_size_exceeded", "extracted", v.extracted, "max_bundle_size", v.maxBundleSize)
		return fmt.Errorf("%w: bundle unpacks to more than %d bytes", ErrTooLarge, v.maxBundleSize)
	}
	return nil
}

// ValidateCompressionRatio checks the unpacked/packed ratio of a compressed bundle
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize <= 0 {
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return fmt.Errorf("%w: compressed size must be positive", ErrCompressionBomb)
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed", compressedSize,
			"uncompressed", uncompressedSize)
		return fmt.Errorf("%w: ratio %.2f exceeds %.2f", ErrCompressionBomb, ratio, v.maxCompressionRatio)
	}

	slog.Info("security_compression_validated", "ratio", ratio)
	return nil
}

// Reset clears the running size so the validator can check another bundle
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.extracted = 0
}

// Extracted returns the bytes accounted so far
func (v *Validator) Extracted() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.extracted
}
