package pidregistry

import (
	"os"
	"testing"
)

func TestCleanupOrphansSkipsManaged(t *testing.T) {
	dir := t.TempDir()
	reg, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// The current test process's own pid is always "alive" and safe to
	// probe without actually spawning a child.
	self := os.Getpid()

	if err := reg.WritePID("managed", self); err != nil {
		t.Fatalf("write managed pid: %v", err)
	}

	killed := reg.CleanupOrphans(map[int]bool{self: true})
	if killed != 0 {
		t.Fatalf("expected managed pid to be skipped, got %d kills", killed)
	}

	if _, ok := reg.ReadPID("managed"); ok {
		t.Fatalf("expected pid file to be removed regardless of orphan status")
	}
}

func TestReadPIDMissing(t *testing.T) {
	reg, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := reg.ReadPID("nope"); ok {
		t.Fatalf("expected no pid for unknown id")
	}
}
