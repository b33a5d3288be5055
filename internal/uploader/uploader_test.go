package uploader

import (
	"os"
	"path/filepath"
	"testing"
)

func TestUploadStoresByContentHash(t *testing.T) {
	src := filepath.Join(t.TempDir(), "screenshot.png")
	if err := os.WriteFile(src, []byte("fake png bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	u := New(root, "https://artifacts.example.com")

	url1, err := u.Upload(src)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url1 == "" {
		t.Fatalf("expected non-empty URL")
	}

	url2, err := u.Upload(src)
	if err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if url1 != url2 {
		t.Fatalf("expected idempotent upload to return same URL, got %q vs %q", url1, url2)
	}
}

func TestUploadDistinctContentDistinctKeys(t *testing.T) {
	root := t.TempDir()
	u := New(root, "")

	a := filepath.Join(t.TempDir(), "a.png")
	b := filepath.Join(t.TempDir(), "b.png")
	if err := os.WriteFile(a, []byte("content A"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("content B"), 0o644); err != nil {
		t.Fatal(err)
	}

	urlA, err := u.Upload(a)
	if err != nil {
		t.Fatalf("Upload a: %v", err)
	}
	urlB, err := u.Upload(b)
	if err != nil {
		t.Fatalf("Upload b: %v", err)
	}
	if urlA == urlB {
		t.Fatalf("expected distinct content to produce distinct object keys")
	}
}

func TestUploadMissingFileFails(t *testing.T) {
	u := New(t.TempDir(), "")
	if _, err := u.Upload(filepath.Join(t.TempDir(), "nope.png")); err == nil {
		t.Fatalf("expected error for missing local file")
	}
}
