package firmware

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every failure the update engine can report.
type Kind int

const (
	KindUnknown Kind = iota
	StorageRead
	StorageWrite
	StorageErase
	InvalidOffset
	VersionTooLong
	VersionMismatch
	SessionNotOpen
	ChecksumMismatch
	PayloadTooLarge
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	StorageRead:      "storage_read",
	StorageWrite:     "storage_write",
	StorageErase:     "storage_erase",
	InvalidOffset:    "invalid_offset",
	VersionTooLong:   "version_too_long",
	VersionMismatch:  "version_mismatch",
	SessionNotOpen:   "session_not_open",
	ChecksumMismatch: "checksum_mismatch",
	PayloadTooLarge:  "payload_too_large",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the same call may succeed if repeated.
// Protocol violations need a Status resync and checksum failures need a
// fresh Start.
func (k Kind) Retryable() bool {
	switch k {
	case StorageRead, StorageWrite, StorageErase:
		return true
	}
	return false
}

// Error satisfies errors.Is against the Err* sentinels by kind.
func (k Kind) Error() string {
	return "firmware: " + strings.ReplaceAll(k.String(), "_", " ")
}

// Sentinels for errors.Is.
var (
	ErrStorageRead      error = StorageRead
	ErrStorageWrite     error = StorageWrite
	ErrStorageErase     error = StorageErase
	ErrInvalidOffset    error = InvalidOffset
	ErrVersionTooLong   error = VersionTooLong
	ErrVersionMismatch  error = VersionMismatch
	ErrSessionNotOpen   error = SessionNotOpen
	ErrChecksumMismatch error = ChecksumMismatch
	ErrPayloadTooLarge  error = PayloadTooLarge
)

// Error is returned by every Device operation.
type Error struct {
	Op      string
	Kind    Kind
	Offset  int64
	Version []byte
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Op, e.Kind.String())
	if e.Version != nil {
		fmt.Fprintf(&b, " (version %q, offset %d)", e.Version, e.Offset)
	} else {
		fmt.Fprintf(&b, " (offset %d)", e.Offset)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return KindUnknown
}

func opError(op string, kind Kind, offset int64, version []byte, err error) *Error {
	return &Error{Op: op, Kind: kind, Offset: offset, Version: version, Err: err}
}
