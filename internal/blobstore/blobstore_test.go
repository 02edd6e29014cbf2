package blobstore_test

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mladen1312/nyx-light-racunovodja/internal/blobstore"
	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
)

func TestPutIsContentAddressed(t *testing.T) {
	s, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	content := "invoice bytes"
	want := sha256.Sum256([]byte(content))
	wantID := hex.EncodeToString(want[:])

	b, err := s.Put("application/xml", strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != wantID {
		t.Fatalf("want blob id %s, got %s", wantID, b.ID)
	}
	if b.Size != int64(len(content)) {
		t.Fatalf("want size %d, got %d", len(content), b.Size)
	}
	if !s.Exists(b.ID) {
		t.Fatal("want Exists to report true right after Put")
	}
}

func TestPutTwiceIsIdempotent(t *testing.T) {
	s, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	first, err := s.Put("text/plain", strings.NewReader("same bytes"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Put("text/plain", strings.NewReader("same bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("want the same blob id for identical content, got %s and %s", first.ID, second.ID)
	}
}

func TestGetRoundTrips(t *testing.T) {
	s, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	b, err := s.Put("text/plain", strings.NewReader("round trip me"))
	if err != nil {
		t.Fatal(err)
	}

	f, err := s.Get(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "round trip me" {
		t.Fatalf("want the original bytes back, got %q", data)
	}
}

func TestGetDetectsCorruptedBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := blobstore.New(dir)
	if err != nil {
		t.Fatal(err)
	}

	b, err := s.Put("text/plain", strings.NewReader("pristine bytes"))
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, b.ID[:2], b.ID[2:4], b.ID)
	if err := os.WriteFile(path, []byte("tampered bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = s.Get(b.ID)
	if !errors.Is(err, domain.ErrCorrupt) {
		t.Fatalf("want ErrCorrupt for bytes that no longer match the content address, got %v", err)
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	s, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Get("0000000000000000000000000000000000000000000000000000000000000a")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
