package router

import (
	"path/filepath"
	"testing"
)

func i64(v int64) *int64 { return &v }

func TestTopicBindingShadowsChatContext(t *testing.T) {
	r, err := New(filepath.Join(t.TempDir(), "router_state.json"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	r.SetCurrentInstance(100, "chat-instance", "", nil)
	r.SetCurrentInstance(100, "topic-instance", "", i64(7))

	if got := r.CurrentInstanceID(100, i64(7)); got != "topic-instance" {
		t.Fatalf("expected topic binding to shadow chat context, got %q", got)
	}
	if got := r.CurrentInstanceID(100, nil); got != "chat-instance" {
		t.Fatalf("expected chat-level context unaffected, got %q", got)
	}
}

func TestSaveReloadStructuralEquality(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router_state.json")
	r, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r.SetCurrentInstance(1, "inst-a", "sess-a", i64(3))
	r.MarkChatAsForum(1)
	r.SetModelPreference(1, "deepseek", "deepseek-reasoner", i64(3))

	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if got := reloaded.CurrentInstanceID(1, i64(3)); got != "inst-a" {
		t.Fatalf("expected instance to survive reload, got %q", got)
	}
	if !reloaded.IsForumChat(1) {
		t.Fatalf("expected forum flag to survive reload")
	}
	provider, model := reloaded.GetModelPreference(1, i64(3))
	if provider != "deepseek" || model != "deepseek-reasoner" {
		t.Fatalf("expected model preference to survive reload, got %s/%s", provider, model)
	}
}

func TestRemoveInstanceScrubsReferences(t *testing.T) {
	r, err := New(filepath.Join(t.TempDir(), "router_state.json"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r.SetCurrentInstance(1, "gone", "", nil)
	r.SetCurrentInstance(2, "gone", "", i64(5))

	count := r.RemoveInstanceReferences("gone")
	if count != 2 {
		t.Fatalf("expected 2 references cleared, got %d", count)
	}
	if got := r.CurrentInstanceID(1, nil); got != "" {
		t.Fatalf("expected chat context cleared, got %q", got)
	}
	if got := r.CurrentInstanceID(2, i64(5)); got != "" {
		t.Fatalf("expected topic binding cleared, got %q", got)
	}
}
