package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"

	"github.com/fly-io/fwupdate/pkg/integrity"
)

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for k := range f.objects {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func newTestClient(objects map[string][]byte) *Client {
	return &Client{s3Client: &fakeS3{objects: objects}, bucket: "releases"}
}

func TestDownload(t *testing.T) {
	image := bytes.Repeat([]byte{0xA5}, 4096)
	c := newTestClient(map[string][]byte{"v1/fw.bin": image})
	path := filepath.Join(t.TempDir(), "work", "fw.bin")

	res, err := c.Download(context.Background(), "v1/fw.bin", path, integrity.SHA256, 8192)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if res.Size != int64(len(image)) || res.Digest != sha256.Sum256(image) {
		t.Errorf("unexpected result %+v", res)
	}
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, image) {
		t.Errorf("downloaded file mismatch (%v)", err)
	}
}

func TestDownload_TooLarge(t *testing.T) {
	c := newTestClient(map[string][]byte{"v1/fw.bin": make([]byte, 100)})
	path := filepath.Join(t.TempDir(), "fw.bin")

	_, err := c.Download(context.Background(), "v1/fw.bin", path, integrity.SHA256, 50)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("partial download must not be left at %s", path)
	}
}

func TestFetchManifestAndReleases(t *testing.T) {
	sum := sha256.Sum256([]byte("img"))
	doc := "version: v2\ns3-key: v2/fw.bin\nchecksum: " + hex.EncodeToString(sum[:]) + "\n"
	c := newTestClient(map[string][]byte{
		"v2/manifest.yaml": []byte(doc),
		"v2/fw.bin":        []byte("img"),
		"v1/manifest.yaml": []byte(doc),
		"v1/notes.txt":     nil,
	})
	ctx := context.Background()

	keys, err := c.ListReleases(ctx, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if diff := cmp.Diff([]string{"v1/manifest.yaml", "v2/manifest.yaml"}, keys); diff != "" {
		t.Errorf("releases (-want +got):\n%s", diff)
	}

	m, err := c.FetchManifest(ctx, "v2/manifest.yaml")
	if err != nil {
		t.Fatalf("fetch manifest failed: %v", err)
	}
	if m.Version != "v2" || m.S3Key != "v2/fw.bin" {
		t.Errorf("unexpected manifest %+v", m)
	}
}

func TestExists(t *testing.T) {
	c := newTestClient(map[string][]byte{"v1/fw.bin": nil})
	ctx := context.Background()

	if ok, err := c.Exists(ctx, "v1/fw.bin"); err != nil || !ok {
		t.Errorf("Exists(present) = %v, %v", ok, err)
	}
	if ok, err := c.Exists(ctx, "v9/fw.bin"); err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
}
