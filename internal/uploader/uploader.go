// Package uploader implements the Review Artifact Uploader (§4.10, C11):
// idempotent, content-hash-keyed storage for review screenshots, grounded
// on the teacher's blake3 content-addressed blob hashing in
// internal/attractor/engine/cxdb_sink.go.
package uploader

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// ErrUploadFailed reports a non-fatal upload failure (§4.10: the caller
// logs a warning and keeps the local path instead of treating this as a
// phase failure).
var ErrUploadFailed = fmt.Errorf("uploader: upload failed")

// Uploader stores artifacts under Root, keyed by content hash so repeated
// uploads of identical bytes are no-ops.
type Uploader struct {
	Root    string // local object store root
	BaseURL string // public URL prefix artifacts are served under
}

// New returns an Uploader writing objects under root and serving them
// from baseURL.
func New(root, baseURL string) *Uploader {
	return &Uploader{Root: root, BaseURL: baseURL}
}

// Upload reads localPath, stores it under its blake3 content hash (a
// no-op if that object already exists), and returns its public URL.
func (u *Uploader) Upload(localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrUploadFailed, localPath, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: hash %s: %v", ErrUploadFailed, localPath, err)
	}
	key := hex.EncodeToString(h.Sum(nil))
	ext := filepath.Ext(localPath)
	objectName := key + ext
	objectPath := filepath.Join(u.Root, objectName)

	if _, err := os.Stat(objectPath); err == nil {
		// Already uploaded; idempotent no-op (§4.10).
		return u.urlFor(objectName), nil
	}

	if err := os.MkdirAll(u.Root, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", ErrUploadFailed, u.Root, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: seek %s: %v", ErrUploadFailed, localPath, err)
	}
	dst, err := os.Create(objectPath)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrUploadFailed, objectPath, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", ErrUploadFailed, objectPath, err)
	}
	return u.urlFor(objectName), nil
}

func (u *Uploader) urlFor(objectName string) string {
	if u.BaseURL == "" {
		return objectName
	}
	return u.BaseURL + "/" + objectName
}
