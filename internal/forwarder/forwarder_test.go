package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/telegram-agentctl/controller/internal/agentclient"
	"github.com/telegram-agentctl/controller/internal/instance"
)

type fakeRouter struct {
	current    map[string]string
	sessions   map[string]string
	topicSet   map[string]int64
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{current: map[string]string{}, sessions: map[string]string{}, topicSet: map[string]int64{}}
}

func key(chatID int64, topicID *int64) string {
	if topicID != nil {
		return "t"
	}
	return "c"
}

func (f *fakeRouter) CurrentInstanceID(chatID int64, topicID *int64) string {
	return f.current[key(chatID, topicID)]
}
func (f *fakeRouter) SetCurrentInstance(chatID int64, instanceID, sessionID string, topicID *int64) {
	f.current[key(chatID, topicID)] = instanceID
}
func (f *fakeRouter) ClearCurrentInstance(chatID int64, topicID *int64) {
	delete(f.current, key(chatID, topicID))
}
func (f *fakeRouter) SetTopicInstance(chatID, topicID int64, instanceID string) {}
func (f *fakeRouter) ClearTopicInstance(chatID, topicID int64)                  {}
func (f *fakeRouter) SetSessionID(chatID int64, sessionID string, topicID *int64) {
	f.sessions[key(chatID, topicID)] = sessionID
}
func (f *fakeRouter) GetSessionID(chatID int64, topicID *int64) string {
	return f.sessions[key(chatID, topicID)]
}
func (f *fakeRouter) GetModelPreference(chatID int64, topicID *int64) (string, string) {
	return "", ""
}

type fakeManager struct {
	instances map[string]*instance.Instance
}

func (f *fakeManager) Get(id string) *instance.Instance { return f.instances[id] }
func (f *fakeManager) Running() []*instance.Instance {
	var out []*instance.Instance
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out
}
func (f *fakeManager) Restart(ctx context.Context, id string) (*instance.Instance, error) {
	inst := f.instances[id]
	inst.State = instance.Running
	return inst, nil
}

type fakeTelegram struct {
	sent []string
}

func (f *fakeTelegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeTelegram) SendMessageToTopic(ctx context.Context, chatID, topicID int64, text string) error {
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeTelegram) SendMessageWithKeyboardToTopic(ctx context.Context, chatID, topicID int64, text string, keyboard [][]Button) error {
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeTelegram) SetTyping(ctx context.Context, chatID int64) error             { return nil }
func (f *fakeTelegram) SetTypingInTopic(ctx context.Context, chatID, topicID int64) error { return nil }

type fakePending struct {
	checked int
}

func (f *fakePending) CheckOne(ctx context.Context, inst *instance.Instance, chatID int64, topicID *int64) {
	f.checked++
}

func newAgentServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(agentclient.Session{ID: "sess-1"})
	})
	mux.HandleFunc("/session/sess-1/message", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(agentclient.MessageResponse{
			Parts: []agentclient.MessagePart{{Type: "text", Text: "hello back"}},
		})
	})
	return httptest.NewServer(mux)
}

func TestForwardCreatesSessionAndSendsReply(t *testing.T) {
	srv := newAgentServer(t)
	defer srv.Close()

	inst := &instance.Instance{ID: "inst-1", State: instance.Running, DisplayName: "demo", Port: 0}
	manager := &fakeManager{instances: map[string]*instance.Instance{"inst-1": inst}}
	rtr := newFakeRouter()
	rtr.current["c"] = "inst-1"
	tg := &fakeTelegram{}
	pend := &fakePending{}

	fwd := New(Options{
		Manager:  manager,
		Router:   rtr,
		Pending:  pend,
		Telegram: tg,
		ClientFor: func(inst *instance.Instance) *agentclient.Client {
			return agentclient.New(srv.URL)
		},
	})

	fwd.Forward(context.Background(), 1, "hi", "alice", nil)

	if rtr.GetSessionID(1, nil) != "sess-1" {
		t.Fatalf("expected session to be created, got %q", rtr.GetSessionID(1, nil))
	}
	if len(tg.sent) != 1 || tg.sent[0] != "hello back" {
		t.Fatalf("expected reply to be forwarded, got %v", tg.sent)
	}
	if pend.checked != 1 {
		t.Fatalf("expected an immediate pending check, got %d", pend.checked)
	}
}

func TestForwardWithNoInstanceSendsPrompt(t *testing.T) {
	manager := &fakeManager{instances: map[string]*instance.Instance{}}
	rtr := newFakeRouter()
	tg := &fakeTelegram{}

	fwd := New(Options{Manager: manager, Router: rtr, Telegram: tg})
	fwd.Forward(context.Background(), 1, "hi", "alice", nil)

	if len(tg.sent) != 1 {
		t.Fatalf("expected one message prompting to open an instance, got %v", tg.sent)
	}
}
