package media

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidPath = errors.New("invalid object path")

// LocalStore keeps blobs under Root/<bucket>/<path> and serves them from
// BaseURL/<bucket>/<path>.
type LocalStore struct {
	Root    string
	BaseURL string
}

func NewLocalStore(root, baseURL string) *LocalStore {
	return &LocalStore{Root: root, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (s *LocalStore) Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error) {
	full, clean, err := s.resolve(bucket, objectPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", err
	}
	return clean, nil
}

func (s *LocalStore) PublicURL(bucket, objectPath string) string {
	return s.BaseURL + "/" + bucket + "/" + strings.TrimLeft(path.Clean("/"+objectPath), "/")
}

func (s *LocalStore) Remove(ctx context.Context, bucket, objectPath string) error {
	full, _, err := s.resolve(bucket, objectPath)
	if err != nil {
		return err
	}
	return os.Remove(full)
}

func (s *LocalStore) resolve(bucket, objectPath string) (string, string, error) {
	clean := path.Clean(objectPath)
	if clean == "." || path.IsAbs(clean) || strings.HasPrefix(clean, "..") || strings.Contains(bucket, "/") {
		return "", "", errors.Wrap(ErrInvalidPath, objectPath)
	}
	return filepath.Join(s.Root, bucket, filepath.FromSlash(clean)), clean, nil
}
