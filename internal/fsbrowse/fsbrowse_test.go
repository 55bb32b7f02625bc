package fsbrowse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

func TestListReturnsEntriesSortedDirsFirst(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "a-dir"), 0o750); err != nil {
		t.Fatal(err)
	}

	b := New([]string{dir})
	entries, err := b.List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].IsDir || entries[0].Name != "a-dir" {
		t.Errorf("expected directory first, got %+v", entries[0])
	}
}

func TestResolveRejectsEscapeOutsideRoots(t *testing.T) {
	dir := t.TempDir()
	b := New([]string{dir})

	_, err := b.List(filepath.Join(dir, "..", "outside"))
	if err == nil || gatewayerr.As(err).Code != gatewayerr.Unauthorized {
		t.Errorf("expected Unauthorized for escaping path, got %v", err)
	}
}

func TestMkdirRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	b := New([]string{dir})

	for _, name := range []string{"", ".", "..", "a/b", "a\\b"} {
		if _, err := b.Mkdir(dir, name); err == nil {
			t.Errorf("expected Mkdir(%q) to fail", name)
		}
	}
}

func TestMkdirCreatesFolder(t *testing.T) {
	dir := t.TempDir()
	b := New([]string{dir})

	full, err := b.Mkdir(dir, "newfolder")
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	info, err := os.Stat(full)
	if err != nil || !info.IsDir() {
		t.Errorf("expected newfolder to exist as a directory")
	}
}

func TestMkdirConflictsOnExisting(t *testing.T) {
	dir := t.TempDir()
	b := New([]string{dir})
	if _, err := b.Mkdir(dir, "dup"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := b.Mkdir(dir, "dup"); err == nil || gatewayerr.As(err).Code != gatewayerr.Conflict {
		t.Errorf("expected Conflict on duplicate folder, got %v", err)
	}
}

func TestReadFileReturnsContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := New([]string{dir})

	data, err := b.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected file contents 'hello', got %q", data)
	}
}

func TestReadFileNotFound(t *testing.T) {
	dir := t.TempDir()
	b := New([]string{dir})
	_, err := b.ReadFile(filepath.Join(dir, "missing.txt"))
	if err == nil || gatewayerr.As(err).Code != gatewayerr.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}
