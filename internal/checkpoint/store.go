package checkpoint

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store persists named artifacts. Names use forward slashes, e.g.
// "model_epoch1/model.bin".
type Store interface {
	Put(ctx context.Context, name string, write func(io.Writer) error) error
	Get(ctx context.Context, name string, read func(io.Reader) error) error
	// Location describes the store root for log lines.
	Location() string
}

// NewStore returns an S3Store for s3://bucket/prefix and an FSStore rooted at
// dir otherwise.
func NewStore(dir string) (Store, error) {
	if rest, ok := strings.CutPrefix(dir, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("no bucket in %q", dir)
		}
		return NewS3Store(nil, bucket, prefix)
	}
	return &FSStore{Root: dir}, nil
}

// FSStore writes artifacts under Root, creating directories as needed. Each
// artifact is written to a temporary file and renamed into place.
type FSStore struct {
	Root string
}

func (s *FSStore) Location() string { return s.Root }

func (s *FSStore) path(name string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(name))
	if rel == "." || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(s.Root, rel), nil
}

func (s *FSStore) Put(ctx context.Context, name string, write func(io.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := s.path(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	bw := bufio.NewWriterSize(tmp, 64*1024)
	if err := write(bw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, name string, read func(io.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.path(name)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return read(bufio.NewReader(f))
}
