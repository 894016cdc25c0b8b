package dispatcher

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/telegram-agentctl/controller/internal/agentclient"
	"github.com/telegram-agentctl/controller/internal/factory"
	"github.com/telegram-agentctl/controller/internal/instance"
	"github.com/telegram-agentctl/controller/internal/router"
)

type fakeManager struct {
	instances map[string]*instance.Instance
	byDir     map[string]*instance.Instance
	spawned   *instance.Instance
	spawnErr  error
	stopped   []string
	removed   []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{instances: map[string]*instance.Instance{}, byDir: map[string]*instance.Instance{}}
}

func (f *fakeManager) Get(id string) *instance.Instance { return f.instances[id] }
func (f *fakeManager) GetByDirectory(dir string) *instance.Instance { return f.byDir[dir] }
func (f *fakeManager) List() []*instance.Instance {
	var out []*instance.Instance
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out
}
func (f *fakeManager) Running() []*instance.Instance {
	var out []*instance.Instance
	for _, inst := range f.instances {
		if inst.State.IsAlive() {
			out = append(out, inst)
		}
	}
	return out
}
func (f *fakeManager) Spawn(ctx context.Context, directory, instanceType, name, providerID, modelID string, port int) (*instance.Instance, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	inst := f.spawned
	if inst == nil {
		inst = &instance.Instance{ID: "new-inst", Directory: directory, InstanceType: instanceType, State: instance.Running, Port: 4100}
	}
	f.instances[inst.ID] = inst
	f.byDir[directory] = inst
	return inst, nil
}
func (f *fakeManager) Stop(ctx context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	if inst, ok := f.instances[id]; ok {
		inst.State = instance.Stopped
	}
	return nil
}
func (f *fakeManager) Restart(ctx context.Context, id string) (*instance.Instance, error) {
	inst := f.instances[id]
	if inst == nil {
		return nil, os.ErrNotExist
	}
	inst.State = instance.Running
	return inst, nil
}
func (f *fakeManager) Remove(id string) bool {
	f.removed = append(f.removed, id)
	delete(f.instances, id)
	return true
}

type fakeRouter struct {
	current  map[string]string
	sessions map[string]string
	models   map[string][2]string
	topics   map[int64][]router.TopicBinding
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		current:  map[string]string{},
		sessions: map[string]string{},
		models:   map[string][2]string{},
		topics:   map[int64][]router.TopicBinding{},
	}
}

func (f *fakeRouter) GetSessionID(chatID int64, topicID *int64) string {
	return f.sessions[ctxKey(chatID, topicID)]
}

func (f *fakeRouter) GetModelPreference(chatID int64, topicID *int64) (providerID, modelID string) {
	pair := f.models[ctxKey(chatID, topicID)]
	return pair[0], pair[1]
}

func ctxKey(chatID int64, topicID *int64) string {
	if topicID != nil {
		return "t"
	}
	return "c"
}

func (f *fakeRouter) CurrentInstanceID(chatID int64, topicID *int64) string {
	return f.current[ctxKey(chatID, topicID)]
}
func (f *fakeRouter) SetCurrentInstance(chatID int64, instanceID, sessionID string, topicID *int64) {
	f.current[ctxKey(chatID, topicID)] = instanceID
}
func (f *fakeRouter) ClearCurrentInstance(chatID int64, topicID *int64) {
	delete(f.current, ctxKey(chatID, topicID))
}
func (f *fakeRouter) SetTopicInstance(chatID, topicID int64, instanceID string) {
	f.topics[chatID] = append(f.topics[chatID], router.TopicBinding{ChatID: chatID, TopicID: topicID, InstanceID: instanceID})
}
func (f *fakeRouter) ClearTopicInstance(chatID, topicID int64) {}
func (f *fakeRouter) TopicsForChat(chatID int64) []router.TopicBinding {
	return f.topics[chatID]
}
func (f *fakeRouter) RemoveInstanceReferences(instanceID string) int { return 0 }

func newTestDispatcher(m *fakeManager, r *fakeRouter) *Dispatcher {
	registry := factory.NewRegistry()
	registry.Register(factory.TypeOpenCode, factory.Spec{Command: []string{"opencode"}, HealthPath: "/health"})
	return New(Options{
		Manager:         m,
		Router:          r,
		Factories:       registry,
		DefaultProvider: "anthropic",
		DefaultModel:    "claude",
		ClientFor: func(inst *instance.Instance) *agentclient.Client {
			return agentclient.New(inst.URL())
		},
	})
}

func TestHandleIgnoresNonSlashText(t *testing.T) {
	d := newTestDispatcher(newFakeManager(), newFakeRouter())
	_, ok := d.Handle(context.Background(), "hello there", 1, nil)
	if ok {
		t.Fatalf("expected plain text not to be handled as a command")
	}
}

func TestHandleIgnoresInstanceScopeCommand(t *testing.T) {
	d := newTestDispatcher(newFakeManager(), newFakeRouter())
	_, ok := d.Handle(context.Background(), "/prompt do the thing", 1, nil)
	if ok {
		t.Fatalf("expected instance-scope command to fall through unhandled")
	}
}

func TestCmdOpenSpawnsAndBindsInstance(t *testing.T) {
	dir := t.TempDir()
	m := newFakeManager()
	r := newFakeRouter()
	d := newTestDispatcher(m, r)

	resp, ok := d.Handle(context.Background(), "/open "+dir, 1, nil)
	if !ok {
		t.Fatalf("expected /open to be handled")
	}
	if len(m.instances) != 1 {
		t.Fatalf("expected an instance to be spawned, got %d", len(m.instances))
	}
	if r.CurrentInstanceID(1, nil) == "" {
		t.Fatalf("expected current instance to be bound after open")
	}
	if resp.Text == "" {
		t.Fatalf("expected non-empty response text")
	}
}

func TestCmdOpenRejectsMissingDirectory(t *testing.T) {
	d := newTestDispatcher(newFakeManager(), newFakeRouter())
	resp, ok := d.Handle(context.Background(), "/open /no/such/directory/at/all", 1, nil)
	if !ok {
		t.Fatalf("expected /open to be handled")
	}
	if resp.Text == "" {
		t.Fatalf("expected an error message for missing directory")
	}
}

func TestCmdKillWithNoArgsListsRunningInstances(t *testing.T) {
	m := newFakeManager()
	m.instances["abc123456"] = &instance.Instance{ID: "abc123456", State: instance.Running, DisplayName: "demo"}
	d := newTestDispatcher(m, newFakeRouter())

	resp, ok := d.Handle(context.Background(), "/kill", 1, nil)
	if !ok {
		t.Fatalf("expected /kill to be handled")
	}
	if len(resp.Keyboard) != 1 {
		t.Fatalf("expected one keyboard row per running instance, got %d", len(resp.Keyboard))
	}
}

func TestCmdKillByIDStopsInstance(t *testing.T) {
	m := newFakeManager()
	m.instances["abc123456"] = &instance.Instance{ID: "abc123456", State: instance.Running, DisplayName: "demo"}
	d := newTestDispatcher(m, newFakeRouter())

	_, ok := d.Handle(context.Background(), "/kill abc123456", 1, nil)
	if !ok {
		t.Fatalf("expected /kill <id> to be handled")
	}
	if len(m.stopped) != 1 || m.stopped[0] != "abc123456" {
		t.Fatalf("expected instance to be stopped, got %v", m.stopped)
	}
}

func TestCmdStatusSummarizesCounts(t *testing.T) {
	m := newFakeManager()
	m.instances["a"] = &instance.Instance{ID: "a", State: instance.Running, DisplayName: "one", StartedAt: time.Now().Add(-time.Hour)}
	m.instances["b"] = &instance.Instance{ID: "b", State: instance.Crashed, DisplayName: "two"}
	d := newTestDispatcher(m, newFakeRouter())

	resp, ok := d.Handle(context.Background(), "/status", 1, nil)
	if !ok {
		t.Fatalf("expected /status to be handled")
	}
	if resp.Text == "" {
		t.Fatalf("expected status text")
	}
}

func TestCmdHelpIsHandled(t *testing.T) {
	d := newTestDispatcher(newFakeManager(), newFakeRouter())
	resp, ok := d.Handle(context.Background(), "/help", 1, nil)
	if !ok || resp.Text == "" {
		t.Fatalf("expected /help to produce help text")
	}
}

func TestInstanceCommandsContainsPassThroughSet(t *testing.T) {
	cmds := InstanceCommands()
	for _, want := range []string{"sessions", "models", "diff", "pending", "health"} {
		if _, ok := cmds[want]; !ok {
			t.Fatalf("expected %q in instance command set", want)
		}
	}
	if _, ok := cmds["open"]; ok {
		t.Fatalf("did not expect controller-level command %q in instance command set", "open")
	}
}
