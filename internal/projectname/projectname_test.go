package projectname

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectFallsBackToDirName(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Base(dir)
	if got := Detect(dir); got != base {
		t.Fatalf("expected fallback %q, got %q", base, got)
	}
}

func TestDetectPackageJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name": "@scope/widget"}`), 0o644)

	if got := Detect(dir); got != "widget" {
		t.Fatalf("expected scope stripped, got %q", got)
	}
}

func TestDetectGoMod(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module github.com/acme/widget\n\ngo 1.24\n"), 0o644)

	if got := Detect(dir); got != "widget" {
		t.Fatalf("expected last module segment, got %q", got)
	}
}

func TestRepoNameFromSSHURL(t *testing.T) {
	name, ok := repoNameFromURL("git@github.com:acme/widget.git")
	if !ok || name != "widget" {
		t.Fatalf("expected widget, got %q ok=%v", name, ok)
	}
}
