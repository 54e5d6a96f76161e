package integrity

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"golang.org/x/crypto/blake2b"
)

func TestVerifier_MatchesReference(t *testing.T) {
	data := []byte("AAAABBBB")

	tests := []struct {
		alg  Algorithm
		want [Size]byte
	}{
		{SHA256, sha256.Sum256(data)},
		{BLAKE2b256, blake2b.Sum256(data)},
	}

	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			v, err := New(tt.alg)
			if err != nil {
				t.Fatalf("new verifier: %v", err)
			}
			v.Write(data[:4])
			v.Write(data[4:])

			if got := v.Sum(); got != tt.want {
				t.Errorf("digest mismatch: got %x, want %x", got, tt.want)
			}
			if v.Len() != int64(len(data)) {
				t.Errorf("len = %d, want %d", v.Len(), len(data))
			}
		})
	}
}

func TestVerifier_StateRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{SHA256, BLAKE2b256} {
		t.Run(string(alg), func(t *testing.T) {
			v, _ := New(alg)
			v.Write([]byte("AAAA"))

			state, err := v.State()
			if err != nil {
				t.Fatalf("state: %v", err)
			}

			restored, ok, err := Restore(alg, state, 4)
			if err != nil || !ok {
				t.Fatalf("restore failed: ok=%v err=%v", ok, err)
			}
			restored.Write([]byte("BBBB"))

			want, _ := Digest(alg, bytes.NewReader([]byte("AAAABBBB")))
			if got := restored.Sum(); got != want {
				t.Errorf("restored digest %x, want %x", got, want)
			}
		})
	}
}

func TestRestore_MissingState(t *testing.T) {
	v, ok, err := Restore(SHA256, nil, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ok=false when state is missing for a non-empty prefix")
	}
	if v == nil || v.Len() != 0 {
		t.Error("expected an empty verifier to rebuild from")
	}

	if _, ok, _ := Restore(SHA256, []byte("garbage"), 10); ok {
		t.Error("expected ok=false for an undecodable state")
	}
	if _, ok, _ := Restore(SHA256, nil, 0); !ok {
		t.Error("empty prefix needs no state")
	}
}

func TestEqual(t *testing.T) {
	a := sha256.Sum256([]byte("x"))
	b := a
	if !Equal(a, b) {
		t.Error("identical digests should be equal")
	}
	b[31] ^= 0x01
	if Equal(a, b) {
		t.Error("single bit flip should not compare equal")
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"", SHA256, false},
		{"sha256", SHA256, false},
		{"blake2b-256", BLAKE2b256, false},
		{"md5", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if tt.wantErr != (err != nil) {
			t.Errorf("ParseAlgorithm(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseAlgorithm(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
