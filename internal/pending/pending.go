// Package pending sweeps running instances for pending permission
// requests and multiple-choice questions, notifying every chat or
// forum topic bound to the instance, deduplicated per request id.
package pending

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/telegram-agentctl/controller/internal/agentclient"
	"github.com/telegram-agentctl/controller/internal/instance"
	"github.com/telegram-agentctl/controller/internal/router"
	"github.com/telegram-agentctl/controller/internal/telegram"
)

const (
	sweepInterval     = 10 * time.Second
	sweepTimeout      = 5 * time.Second
	immediateTimeout  = 3 * time.Second
	maxPatternsShown  = 3
	maxOptionsShown   = 6
	maxPatternRunes   = 50
	maxOptionLabelLen = 30
)

// Button is an alias for telegram.Button so a *telegram.Client can
// satisfy Notifier directly.
type Button = telegram.Button

// Notifier delivers a message with an inline keyboard to a chat, or to
// a specific forum topic within a chat.
type Notifier interface {
	SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard [][]Button) error
	SendMessageWithKeyboardToTopic(ctx context.Context, chatID, topicID int64, text string, keyboard [][]Button) error
}

// Manager is the subset of processmanager.Manager the tracker needs.
type Manager interface {
	Running() []*instance.Instance
}

// Router is the subset of router.Router the tracker needs.
type Router interface {
	ChatsForInstance(instanceID string) []int64
	TopicsForInstance(instanceID string) []router.TopicBinding
}

type notifyTarget struct {
	ChatID  int64
	TopicID int64
	isTopic bool
}

// Tracker sweeps for pending permissions/questions and notifies bound
// chats, tracking which (request, target) pairs have already fired so
// the same request never double-notifies a chat.
type Tracker struct {
	manager   Manager
	router    Router
	notifier  Notifier
	clientFor func(*instance.Instance) *agentclient.Client

	mu       sync.Mutex
	notified map[string]map[notifyTarget]bool
}

// New constructs a Tracker. clientFor should return a cached client per
// instance so the tracker doesn't open a fresh HTTP client every sweep.
func New(manager Manager, rtr Router, notifier Notifier, clientFor func(*instance.Instance) *agentclient.Client) *Tracker {
	return &Tracker{
		manager:   manager,
		router:    rtr,
		notifier:  notifier,
		clientFor: clientFor,
		notified:  make(map[string]map[notifyTarget]bool),
	}
}

// ClearNotified drops notification tracking for a request, e.g. once
// it's been answered, so a re-created request with the same id (rare,
// but possible after an instance restart) notifies again.
func (t *Tracker) ClearNotified(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.notified, requestID)
}

// Run sweeps every sweepInterval until ctx is canceled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkAll(ctx)
		}
	}
}

func (t *Tracker) checkAll(ctx context.Context) {
	seen := make(map[string]bool)
	for _, inst := range t.manager.Running() {
		chatIDs := t.router.ChatsForInstance(inst.ID)
		topics := t.router.TopicsForInstance(inst.ID)
		if len(chatIDs) == 0 && len(topics) == 0 {
			continue
		}
		t.checkInstance(ctx, inst, chatIDs, topics, sweepTimeout, seen)
	}
	t.reconcile(seen)
}

// CheckOne is an immediate, single-target check run right after sending
// a message, so a follow-up permission/question surfaces without
// waiting for the next background sweep.
func (t *Tracker) CheckOne(ctx context.Context, inst *instance.Instance, chatID int64, topicID *int64) {
	var chatIDs []int64
	var topics []router.TopicBinding
	if topicID != nil {
		topics = []router.TopicBinding{{ChatID: chatID, TopicID: *topicID, InstanceID: inst.ID}}
	} else {
		chatIDs = []int64{chatID}
	}
	t.checkInstance(ctx, inst, chatIDs, topics, immediateTimeout, nil)
}

func (t *Tracker) checkInstance(ctx context.Context, inst *instance.Instance, chatIDs []int64, topics []router.TopicBinding, timeout time.Duration, seen map[string]bool) {
	client := t.clientFor(inst)

	permCtx, cancel := context.WithTimeout(ctx, timeout)
	perms, err := client.ListPendingPermissions(permCtx)
	cancel()
	if err != nil {
		log.Printf("pending: list permissions for %s: %v", inst.ShortID(), err)
	} else {
		for _, p := range perms {
			if seen != nil {
				seen[p.ID] = true
			}
			t.notifyPermission(ctx, inst, p, chatIDs, topics)
		}
	}

	qCtx, cancel2 := context.WithTimeout(ctx, timeout)
	questions, err := client.ListPendingQuestions(qCtx)
	cancel2()
	if err != nil {
		log.Printf("pending: list questions for %s: %v", inst.ShortID(), err)
	} else {
		for _, q := range questions {
			if seen != nil {
				seen[q.ID] = true
			}
			t.notifyQuestion(ctx, inst, q, chatIDs, topics)
		}
	}
}

// reconcile drops notification tracking for any request id not seen in
// this sweep, since the agent no longer considers it pending.
func (t *Tracker) reconcile(seen map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.notified {
		if !seen[id] {
			delete(t.notified, id)
		}
	}
}

func (t *Tracker) notifyPermission(ctx context.Context, inst *instance.Instance, perm agentclient.PendingPermission, chatIDs []int64, topics []router.TopicBinding) {
	if perm.ID == "" {
		return
	}

	patterns := perm.Patterns
	shown := patterns
	extra := 0
	if len(patterns) > maxPatternsShown {
		shown = patterns[:maxPatternsShown]
		extra = len(patterns) - maxPatternsShown
	}
	patternText := strings.Join(truncateEach(shown, maxPatternRunes), ", ")
	if extra > 0 {
		patternText += fmt.Sprintf(" (+%d more)", extra)
	}

	text := fmt.Sprintf("🔐 *Permission Request* (%s)\n\nType: `%s`\n", inst.DisplayName, perm.Permission)
	if patternText != "" {
		text += fmt.Sprintf("Pattern: `%s`\n", patternText)
	}

	keyboard := [][]Button{{
		{Text: "✅ Allow", CallbackData: "perm:y:" + perm.ID},
		{Text: "♾️ Always", CallbackData: "perm:a:" + perm.ID},
		{Text: "❌ Reject", CallbackData: "perm:n:" + perm.ID},
	}}

	t.deliver(ctx, perm.ID, text, keyboard, chatIDs, topics)
}

func (t *Tracker) notifyQuestion(ctx context.Context, inst *instance.Instance, q agentclient.PendingQuestion, chatIDs []int64, topics []router.TopicBinding) {
	if q.ID == "" || q.Question == "" {
		return
	}

	text := fmt.Sprintf("❓ *Question* (%s)\n\n%s", inst.DisplayName, q.Question)

	var keyboard [][]Button
	for idx, opt := range q.Options {
		if idx >= maxOptionsShown {
			break
		}
		label := opt
		if len(label) > maxOptionLabelLen {
			label = label[:maxOptionLabelLen]
		}
		keyboard = append(keyboard, []Button{{
			Text:         label,
			CallbackData: fmt.Sprintf("q:%s:%d", q.ID, idx),
		}})
	}

	t.deliver(ctx, q.ID, text, keyboard, chatIDs, topics)
}

// deliver sends text/keyboard to every topic and chat target that
// hasn't already been notified for requestID. Topic-mapped chats are
// notified first; a chat that also has a topic binding is skipped in
// the legacy chat-level pass to avoid double delivery.
func (t *Tracker) deliver(ctx context.Context, requestID, text string, keyboard [][]Button, chatIDs []int64, topics []router.TopicBinding) {
	t.mu.Lock()
	notified, ok := t.notified[requestID]
	if !ok {
		notified = make(map[notifyTarget]bool)
		t.notified[requestID] = notified
	}
	t.mu.Unlock()

	chatsWithTopics := make(map[int64]bool, len(topics))
	for _, tb := range topics {
		chatsWithTopics[tb.ChatID] = true
		key := notifyTarget{ChatID: tb.ChatID, TopicID: tb.TopicID, isTopic: true}

		t.mu.Lock()
		already := notified[key]
		t.mu.Unlock()
		if already {
			continue
		}

		if err := t.notifier.SendMessageWithKeyboardToTopic(ctx, tb.ChatID, tb.TopicID, text, keyboard); err != nil {
			log.Printf("pending: notify topic %d/%d failed: %v", tb.ChatID, tb.TopicID, err)
			continue
		}
		t.mu.Lock()
		notified[key] = true
		t.mu.Unlock()
	}

	for _, chatID := range chatIDs {
		if chatsWithTopics[chatID] {
			continue
		}
		key := notifyTarget{ChatID: chatID}

		t.mu.Lock()
		already := notified[key]
		t.mu.Unlock()
		if already {
			continue
		}

		if err := t.notifier.SendMessageWithKeyboard(ctx, chatID, text, keyboard); err != nil {
			log.Printf("pending: notify chat %d failed: %v", chatID, err)
			continue
		}
		t.mu.Lock()
		notified[key] = true
		t.mu.Unlock()
	}
}

func truncateEach(items []string, n int) []string {
	out := make([]string, len(items))
	for i, s := range items {
		if len(s) > n {
			s = s[:n]
		}
		out[i] = s
	}
	return out
}
