// Package processmanager spawns, health-checks, restarts, and reaps
// agent subprocess instances. The persisted Instance struct never holds
// a process handle; handles live in a side table owned by the Manager,
// generalized from a one-shot shell-command state table to long-lived
// HTTP servers.
package processmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/telegram-agentctl/controller/internal/ctlerr"
	"github.com/telegram-agentctl/controller/internal/factory"
	"github.com/telegram-agentctl/controller/internal/instance"
	"github.com/telegram-agentctl/controller/internal/pidregistry"
	"github.com/telegram-agentctl/controller/internal/portregistry"
	"github.com/telegram-agentctl/controller/internal/projectname"
)

const (
	healthCheckInterval = 10 * time.Second
	healthCheckTimeout  = 5 * time.Second
	maxHealthFailures   = 3
	maxRestarts         = 3

	startupTimeout      = 30 * time.Second
	startupPollInterval = 500 * time.Millisecond

	gracefulShutdownTimeout = 10 * time.Second
	portReleaseWait         = 1 * time.Second
	portReleasePollMax      = 5 * time.Second
)

// Transition describes a state change delivered to OnTransition.
type Transition struct {
	Instance *instance.Instance
	Reason   string
}

// Manager owns the Instance table and drives every state transition.
type Manager struct {
	stateFile string
	logsDir   string

	pids      *pidregistry.Registry
	ports     *portregistry.Registry
	factories *factory.Registry

	autoRestart  bool
	onTransition func(Transition)

	mu        sync.Mutex
	instances map[string]*instance.Instance
	handles   map[string]*exec.Cmd

	runMu   sync.Mutex
	running bool
}

// Options configures a new Manager.
type Options struct {
	StateFile    string
	LogsDir      string
	PIDs         *pidregistry.Registry
	Ports        *portregistry.Registry
	Factories    *factory.Registry
	AutoRestart  bool
	OnTransition func(Transition)
}

// New constructs a manager and loads any persisted instance table.
func New(opts Options) (*Manager, error) {
	m := &Manager{
		stateFile:    opts.StateFile,
		logsDir:      opts.LogsDir,
		pids:         opts.PIDs,
		ports:        opts.Ports,
		factories:    opts.Factories,
		autoRestart:  opts.AutoRestart,
		onTransition: opts.OnTransition,
		instances:    make(map[string]*instance.Instance),
		handles:      make(map[string]*exec.Cmd),
	}
	if err := m.loadState(); err != nil {
		return nil, err
	}
	return m, nil
}

type persistedState struct {
	Instances []instance.Instance `json:"instances"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func (m *Manager) loadState() error {
	data, err := os.ReadFile(m.stateFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var p persistedState
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}

	for i := range p.Instances {
		inst := p.Instances[i]
		// The process is gone across a restart; reflect that before we
		// ever try to route a message to it.
		if inst.State == instance.Running || inst.State == instance.Starting {
			inst.State = instance.Stopped
			inst.PID = 0
		}
		m.instances[inst.ID] = &inst
		if inst.State != instance.Stopped && inst.State != instance.Crashed {
			m.ports.MarkUsed(inst.Port)
		}
	}
	return nil
}

func (m *Manager) saveStateLocked() {
	p := persistedState{UpdatedAt: time.Now()}
	for _, inst := range m.instances {
		p.Instances = append(p.Instances, *inst)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(m.stateFile, data, 0o644); err != nil {
		log.Printf("processmanager: failed to save state: %v", err)
	}
}

// Start cleans up orphaned processes from a previous crashed run and
// launches the background health-check loop.
func (m *Manager) Start(ctx context.Context) {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return
	}
	m.running = true
	m.runMu.Unlock()

	managed := make(map[int]bool)
	m.mu.Lock()
	for _, inst := range m.instances {
		if inst.PID != 0 {
			managed[inst.PID] = true
		}
	}
	m.mu.Unlock()

	if killed := m.pids.CleanupOrphans(managed); killed > 0 {
		log.Printf("processmanager: terminated %d orphan process(es) from a previous run", killed)
	}

	go m.healthCheckLoop(ctx)
}

// Spawn creates a new instance of the given type rooted at directory,
// or returns the existing live instance if one already manages that
// directory.
func (m *Manager) Spawn(ctx context.Context, directory, instanceType, name, providerID, modelID string, port int) (*instance.Instance, error) {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, ctlerr.ErrDirectoryMissing
	}

	if existing := m.getByDirectory(abs); existing != nil && existing.State.IsAlive() {
		return existing, nil
	}

	if instanceType == "" {
		instanceType = factory.TypeOpenCode
	}
	spec, ok := m.factories.Get(instanceType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ctlerr.ErrUnknownType, instanceType)
	}

	var allocated int
	if port != 0 {
		allocated, err = m.ports.AllocateSpecific(port)
	} else {
		allocated, err = m.ports.Allocate()
	}
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = projectname.Detect(abs)
	}

	inst := &instance.Instance{
		ID:           uuid.New().String()[:12],
		Directory:    abs,
		Port:         allocated,
		State:        instance.Starting,
		DisplayName:  name,
		ProviderID:   providerID,
		ModelID:      modelID,
		StartedAt:    time.Now(),
		InstanceType: instanceType,
	}

	cmd, err := m.launch(inst, spec)
	if err != nil {
		m.ports.Release(allocated)
		inst.State = instance.Crashed
		inst.LastError = err.Error()
		m.mu.Lock()
		m.instances[inst.ID] = inst
		m.saveStateLocked()
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.handles[inst.ID] = cmd
	m.saveStateLocked()
	m.mu.Unlock()

	m.pids.WritePID(inst.ID, inst.PID)

	if m.waitForStartup(ctx, inst, spec) {
		inst.State = instance.Running
		inst.LastHealthCheck = time.Now()
	} else {
		inst.State = instance.Crashed
		if inst.LastError == "" {
			inst.LastError = "HTTP API did not start in time"
		}
	}

	m.mu.Lock()
	m.saveStateLocked()
	m.mu.Unlock()
	m.notify(inst, "spawn")

	return inst, nil
}

func (m *Manager) launch(inst *instance.Instance, spec factory.Spec) (*exec.Cmd, error) {
	argv := spec.BuildCommand(inst.Port)
	if len(argv) == 0 {
		return nil, fmt.Errorf("instance type %s has no spawn command", inst.InstanceType)
	}
	argv[0] = factory.ResolveBinary(argv[0])

	stdoutPath := filepath.Join(m.logsDir, inst.ID+"_stdout.log")
	stderrPath := filepath.Join(m.logsDir, inst.ID+"_stderr.log")
	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		stdout.Close()
		return nil, err
	}

	header := fmt.Sprintf("\n--- Instance started at %s ---\n", time.Now().Format(time.RFC3339))
	stdout.WriteString(header)
	stderr.WriteString(header)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = inst.Directory
	cmd.Env = spec.BuildEnv(inst.Port)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, err
	}

	inst.PID = cmd.Process.Pid

	// Reap the child without blocking Spawn; processExited below checks
	// cmd.ProcessState to detect early exit.
	go cmd.Wait()

	return cmd, nil
}

func (m *Manager) waitForStartup(ctx context.Context, inst *instance.Instance, spec factory.Spec) bool {
	timeout := spec.StartupTimeout
	if timeout <= 0 {
		timeout = startupTimeout
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if exited, code := m.processExited(inst.ID); exited {
			inst.LastError = fmt.Sprintf("process exited with code %d", code)
			return false
		}

		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		ok := spec.HealthCheck(checkCtx, inst.URL())
		cancel()
		if ok {
			return true
		}

		time.Sleep(startupPollInterval)
	}
	return false
}

func (m *Manager) processExited(id string) (exited bool, code int) {
	m.mu.Lock()
	cmd := m.handles[id]
	m.mu.Unlock()
	if cmd == nil || cmd.ProcessState == nil {
		return false, 0
	}
	return true, cmd.ProcessState.ExitCode()
}

// GetByDirectory returns the instance currently managing directory, if any.
func (m *Manager) GetByDirectory(directory string) *instance.Instance {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return nil
	}
	return m.getByDirectory(abs)
}

func (m *Manager) getByDirectory(directory string) *instance.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.Directory == directory {
			return inst
		}
	}
	return nil
}

// Get looks up an instance by full id, or else by id prefix. When several
// ids share the prefix, which of them is returned is not defined.
func (m *Manager) Get(id string) *instance.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		return inst
	}
	for instID, inst := range m.instances {
		if len(instID) >= len(id) && instID[:len(id)] == id {
			return inst
		}
	}
	return nil
}

// List returns every tracked instance.
func (m *Manager) List() []*instance.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*instance.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// Running returns every instance whose state is considered alive.
func (m *Manager) Running() []*instance.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*instance.Instance
	for _, inst := range m.instances {
		if inst.State.IsAlive() {
			out = append(out, inst)
		}
	}
	return out
}

// MarkBrowserOpened records that the forwarder has already auto-opened
// a browser tab for this instance, so it isn't reopened on every
// message.
func (m *Manager) MarkBrowserOpened(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return
	}
	inst.BrowserOpened = true
	m.saveStateLocked()
}

// Stop terminates inst gracefully, escalating to SIGKILL after a
// timeout, and releases its port and PID registration.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst := m.Get(id)
	if inst == nil {
		return ctlerr.ErrInstanceNotFound
	}

	m.mu.Lock()
	cmd := m.handles[id]
	m.mu.Unlock()

	port := inst.Port

	if cmd == nil || cmd.ProcessState != nil {
		m.finishStop(inst)
		return nil
	}

	inst.State = instance.Stopping
	pid := inst.PID

	cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracefulShutdownTimeout):
		cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			if p, err := os.FindProcess(pid); err == nil {
				p.Signal(syscall.SIGKILL)
			}
		}
	}

	m.finishStop(inst)

	time.Sleep(portReleaseWait)
	waited := time.Duration(0)
	for waited < portReleasePollMax && !portAvailable(port) {
		time.Sleep(500 * time.Millisecond)
		waited += 500 * time.Millisecond
	}

	m.notify(inst, "stop")
	return nil
}

func (m *Manager) finishStop(inst *instance.Instance) {
	inst.State = instance.Stopped
	inst.PID = 0

	m.mu.Lock()
	delete(m.handles, inst.ID)
	m.ports.Release(inst.Port)
	m.saveStateLocked()
	m.mu.Unlock()

	m.pids.RemovePID(inst.ID)
}

func portAvailable(port int) bool {
	return portregistry.IsPortAvailable(port)
}

// StopAll stops every alive instance concurrently, bounded by ctx.
func (m *Manager) StopAll(ctx context.Context) {
	running := m.Running()
	var wg sync.WaitGroup
	for _, inst := range running {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Stop(ctx, id)
		}(inst.ID)
	}
	wg.Wait()
}

// Restart stops inst if alive, then respawns it with the same
// directory/name/provider/model, reusing its old port if it's free.
func (m *Manager) Restart(ctx context.Context, id string) (*instance.Instance, error) {
	inst := m.Get(id)
	if inst == nil {
		return nil, ctlerr.ErrInstanceNotFound
	}

	directory := inst.Directory
	name := inst.DisplayName
	providerID := inst.ProviderID
	modelID := inst.ModelID
	instanceType := inst.InstanceType
	oldPort := inst.Port

	if inst.State.IsAlive() {
		m.Stop(ctx, id)
	}

	m.mu.Lock()
	inst.RestartCount++
	restartCount := inst.RestartCount
	delete(m.instances, id)
	m.ports.Release(oldPort)
	m.saveStateLocked()
	m.mu.Unlock()

	port := 0
	if portregistry.IsPortAvailable(oldPort) {
		port = oldPort
	}

	respawned, err := m.Spawn(ctx, directory, instanceType, name, providerID, modelID, port)
	if err != nil {
		inst.State = instance.Crashed
		inst.LastError = err.Error()
		m.mu.Lock()
		m.instances[id] = inst
		m.saveStateLocked()
		m.mu.Unlock()
		return inst, err
	}
	respawned.RestartCount = restartCount
	return respawned, nil
}

// Remove stops inst if alive and drops it from the table entirely,
// releasing its port and PID file.
func (m *Manager) Remove(id string) bool {
	inst := m.Get(id)
	if inst == nil {
		return false
	}
	if inst.State.IsAlive() {
		m.Stop(context.Background(), id)
	}

	m.mu.Lock()
	delete(m.instances, id)
	m.ports.Release(inst.Port)
	m.saveStateLocked()
	m.mu.Unlock()

	m.pids.RemovePID(id)
	return true
}

func (m *Manager) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAllInstances(ctx)
		}
	}
}

func (m *Manager) checkAllInstances(ctx context.Context) {
	for _, inst := range m.List() {
		if !inst.State.IsAlive() {
			continue
		}

		if exited, code := m.processExited(inst.ID); exited {
			inst.State = instance.Crashed
			inst.LastError = fmt.Sprintf("process exited with code %d", code)
			inst.PID = 0
			m.pids.RemovePID(inst.ID)
			m.notify(inst, "crashed")

			if m.autoRestart && inst.RestartCount < maxRestarts {
				go m.Restart(ctx, inst.ID)
			}
			continue
		}

		spec, ok := m.factories.Get(inst.InstanceType)
		if !ok {
			spec = factory.Spec{}
		}

		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		healthy := spec.HealthCheck(checkCtx, inst.URL())
		cancel()

		if healthy {
			inst.LastHealthCheck = time.Now()
			wasUnreachable := inst.ConsecutiveHealthFails >= maxHealthFailures
			inst.ConsecutiveHealthFails = 0
			if inst.State == instance.Unreachable {
				inst.State = instance.Running
				if wasUnreachable {
					m.notify(inst, "recovered")
				}
			}
		} else {
			inst.ConsecutiveHealthFails++
			if inst.ConsecutiveHealthFails >= maxHealthFailures && inst.State == instance.Running {
				inst.State = instance.Unreachable
				m.notify(inst, "unreachable")
			}
		}
	}

	m.mu.Lock()
	m.saveStateLocked()
	m.mu.Unlock()
}

func (m *Manager) notify(inst *instance.Instance, reason string) {
	if m.onTransition != nil {
		m.onTransition(Transition{Instance: inst, Reason: reason})
	}
}
