package processmanager

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/telegram-agentctl/controller/internal/factory"
	"github.com/telegram-agentctl/controller/internal/pidregistry"
	"github.com/telegram-agentctl/controller/internal/portregistry"
)

// TestMain re-execs this test binary as a fake agent process when
// GO_WANT_HELPER_PROCESS is set, the standard self-exec technique used
// by the standard library's own os/exec tests, so Spawn/Stop can be
// exercised against a real subprocess without depending on an actual
// agent binary being installed.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperProcess()
		return
	}
	os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	os.Exit(m.Run())
}

func runHelperProcess() {
	port := os.Args[len(os.Args)-1]
	mux := http.NewServeMux()
	mux.HandleFunc("/global/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	http.ListenAndServe("127.0.0.1:"+port, mux)
}

const helperType = "helper"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()

	ports := portregistry.New(portregistry.DefaultLo, portregistry.DefaultHi)
	pids, err := pidregistry.New(filepath.Join(dir, "pids"))
	if err != nil {
		t.Fatalf("pidregistry: %v", err)
	}
	logsDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		t.Fatalf("mkdir logs: %v", err)
	}

	factories := factory.NewRegistry()
	selfBinary, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	factories.Register(helperType, factory.Spec{
		Command:        []string{selfBinary, "-test.run=TestMain", "{port}"},
		HealthPath:     "/global/health",
		StartupTimeout: 10 * time.Second,
	})

	m, err := New(Options{
		StateFile: filepath.Join(dir, "instances.json"),
		LogsDir:   logsDir,
		PIDs:      pids,
		Ports:     ports,
		Factories: factories,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestSpawnTwiceReturnsSameInstance(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()

	projectDir := filepath.Join(dir, "project")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir project: %v", err)
	}

	inst, err := m.Spawn(context.Background(), projectDir, helperType, "proj", "", "", 0)
	if err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	defer m.Stop(context.Background(), inst.ID)

	again, err := m.Spawn(context.Background(), projectDir, helperType, "proj", "", "", 0)
	if err != nil {
		t.Fatalf("second spawn: %v", err)
	}
	if again.ID != inst.ID {
		t.Fatalf("expected second spawn to return the same instance, got %s vs %s", again.ID, inst.ID)
	}
}

func TestSpawnMissingDirectoryFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Spawn(context.Background(), "/no/such/directory", helperType, "x", "", "", 0)
	if err == nil {
		t.Fatalf("expected error spawning into a missing directory")
	}
}

func TestStopReleasesPort(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()

	inst, err := m.Spawn(context.Background(), dir, helperType, "x", "", "", 0)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	port := inst.Port

	if err := m.Stop(context.Background(), inst.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if !portregistry.IsPortAvailable(port) {
		t.Fatalf("expected port %d to be released after stop", port)
	}

	got := m.Get(inst.ID)
	if got == nil || got.State.IsAlive() {
		t.Fatalf("expected instance to be stopped, got %+v", got)
	}
}
