// Package callback parses and dispatches Telegram inline-keyboard
// button clicks. Callback data is parsed once into a tagged Action at
// the boundary and never passed around as a raw string past Parse.
package callback

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/telegram-agentctl/controller/internal/agentclient"
	"github.com/telegram-agentctl/controller/internal/instance"
)

// Kind discriminates the callback_data families this daemon emits.
type Kind int

const (
	Unknown Kind = iota
	Ignore
	InstanceSwitch
	InstanceKill
	SessionSwitch
	ModelSelect
	SessionDelete
	Permission
	Question
	ThreadInstance
)

// Action is a parsed callback_data payload.
type Action struct {
	Kind       Kind
	InstanceID string
	SessionID  string
	ModelData  string
	PermAction string // "y" | "a" | "n"
	RequestID  string
	OptionIdx  int
	ThreadID   int64
}

// Parse decodes raw callback_data into an Action.
func Parse(data string) (Action, error) {
	switch {
	case data == "ignore":
		return Action{Kind: Ignore}, nil

	case strings.HasPrefix(data, "instance:"):
		return Action{Kind: InstanceSwitch, InstanceID: strings.TrimPrefix(data, "instance:")}, nil

	case strings.HasPrefix(data, "kill:"):
		return Action{Kind: InstanceKill, InstanceID: strings.TrimPrefix(data, "kill:")}, nil

	case strings.HasPrefix(data, "session:"):
		return Action{Kind: SessionSwitch, SessionID: strings.TrimPrefix(data, "session:")}, nil

	case strings.HasPrefix(data, "setmodel:"), strings.HasPrefix(data, "sm:"):
		return Action{Kind: ModelSelect, ModelData: data}, nil

	case strings.HasPrefix(data, "delete:"):
		return Action{Kind: SessionDelete, SessionID: strings.TrimPrefix(data, "delete:")}, nil

	case strings.HasPrefix(data, "perm:"):
		parts := strings.SplitN(data, ":", 3)
		if len(parts) != 3 {
			return Action{}, fmt.Errorf("invalid permission callback: %q", data)
		}
		return Action{Kind: Permission, PermAction: parts[1], RequestID: parts[2]}, nil

	case strings.HasPrefix(data, "q:"):
		parts := strings.SplitN(data, ":", 3)
		if len(parts) != 3 {
			return Action{}, fmt.Errorf("invalid question callback: %q", data)
		}
		idx, err := strconv.Atoi(parts[2])
		if err != nil {
			return Action{}, fmt.Errorf("invalid option index %q: %w", parts[2], err)
		}
		return Action{Kind: Question, RequestID: parts[1], OptionIdx: idx}, nil

	case strings.HasPrefix(data, "thread_inst:"):
		rest := strings.TrimPrefix(data, "thread_inst:")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return Action{}, fmt.Errorf("invalid thread_inst callback: %q", data)
		}
		threadID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return Action{}, fmt.Errorf("invalid thread id %q: %w", parts[0], err)
		}
		return Action{Kind: ThreadInstance, ThreadID: threadID, InstanceID: parts[1]}, nil

	default:
		return Action{Kind: Unknown}, nil
	}
}

// Encode* build callback_data for the matching Action kind. Telegram
// caps callback_data at 64 bytes; these stay well under it as long as
// instance/session/request ids are UUID-sized.
func EncodeInstanceSwitch(instanceID string) string { return "instance:" + instanceID }
func EncodeInstanceKill(instanceID string) string   { return "kill:" + instanceID }
func EncodeSessionSwitch(sessionID string) string    { return "session:" + sessionID }
func EncodeSessionDelete(sessionID string) string    { return "delete:" + sessionID }

func EncodePermission(action, requestID string) string {
	return fmt.Sprintf("perm:%s:%s", action, requestID)
}

func EncodeQuestion(requestID string, optionIdx int) string {
	return fmt.Sprintf("q:%s:%d", requestID, optionIdx)
}

func EncodeThreadInstance(threadID int64, instanceID string) string {
	return fmt.Sprintf("thread_inst:%d:%s", threadID, instanceID)
}

// Manager is the subset of processmanager.Manager the handler needs.
type Manager interface {
	Get(id string) *instance.Instance
	List() []*instance.Instance
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) (*instance.Instance, error)
}

// Router is the subset of router.Router the handler needs.
type Router interface {
	IsForumChat(chatID int64) bool
	MarkChatAsForum(chatID int64)
	CurrentInstanceID(chatID int64, topicID *int64) string
	SetCurrentInstance(chatID int64, instanceID, sessionID string, topicID *int64)
	SetTopicInstance(chatID, topicID int64, instanceID string)
	SetModelPreference(chatID int64, providerID, modelID string, topicID *int64)
}

// Telegram is the subset of telegram.Client the handler needs.
type Telegram interface {
	AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	RenameTopic(ctx context.Context, chatID, topicID int64, name string) error
}

// ModelCatalog resolves a setmodel/sm callback payload to a provider/model
// pair. The daemon backs it with the configured favourite-models
// catalog, which is the same for every chat.
type ModelCatalog interface {
	LookupCallback(chatID int64, data string) (providerID, modelID string, ok bool)
}

// PendingClearer drops notification tracking once a request is answered.
type PendingClearer interface {
	ClearNotified(requestID string)
}

// Query is the subset of a Telegram callback_query this handler acts on.
type Query struct {
	ID              string
	Data            string
	FromUsername    string
	ChatID          int64
	MessageID       int64
	IsForum         bool
	IsTopicMessage  bool
	MessageThreadID *int64
}

// Handler routes parsed callback actions to process manager, router, and
// Telegram side effects.
type Handler struct {
	manager  Manager
	router   Router
	telegram Telegram
	pending  PendingClearer
	models   ModelCatalog

	clientFor          func(*instance.Instance) *agentclient.Client
	onQuestionAnswered func(ctx context.Context, inst *instance.Instance, chatID int64, topicID *int64)
}

// Options configures a new Handler.
type Options struct {
	Manager            Manager
	Router             Router
	Telegram           Telegram
	Pending            PendingClearer
	Models             ModelCatalog
	ClientFor          func(*instance.Instance) *agentclient.Client
	OnQuestionAnswered func(ctx context.Context, inst *instance.Instance, chatID int64, topicID *int64)
}

// New constructs a Handler.
func New(opts Options) *Handler {
	return &Handler{
		manager:            opts.Manager,
		router:             opts.Router,
		telegram:           opts.Telegram,
		pending:            opts.Pending,
		models:             opts.Models,
		clientFor:          opts.ClientFor,
		onQuestionAnswered: opts.OnQuestionAnswered,
	}
}

// Handle processes one callback query.
func (h *Handler) Handle(ctx context.Context, q Query) {
	topicID := h.resolveTopicID(q)

	action, err := Parse(q.Data)
	if err != nil {
		h.answer(ctx, q.ID, "Invalid callback", false)
		return
	}

	switch action.Kind {
	case Ignore, Unknown:
		h.answer(ctx, q.ID, "", false)
	case InstanceSwitch:
		h.handleInstanceSwitch(ctx, action.InstanceID, q, topicID)
	case InstanceKill:
		h.handleInstanceKill(ctx, action.InstanceID, q, topicID)
	case SessionSwitch:
		h.handleSessionSwitch(ctx, action.SessionID, q, topicID)
	case ModelSelect:
		h.handleModelSelect(ctx, action.ModelData, q, topicID)
	case SessionDelete:
		h.handleSessionDelete(ctx, action.SessionID, q, topicID)
	case Permission:
		h.handlePermission(ctx, action.PermAction, action.RequestID, q, topicID)
	case Question:
		h.handleQuestion(ctx, action.RequestID, action.OptionIdx, q, topicID)
	case ThreadInstance:
		h.handleThreadInstance(ctx, q.ChatID, action.ThreadID, action.InstanceID, q)
	}
}

func (h *Handler) resolveTopicID(q Query) *int64 {
	if q.IsForum {
		h.router.MarkChatAsForum(q.ChatID)
	}
	isKnownForum := h.router.IsForumChat(q.ChatID)
	hasThreadID := q.MessageThreadID != nil

	if q.IsTopicMessage || q.IsForum || hasThreadID || isKnownForum {
		return q.MessageThreadID
	}
	return nil
}

func (h *Handler) answer(ctx context.Context, callbackID, text string, showAlert bool) {
	if err := h.telegram.AnswerCallbackQuery(ctx, callbackID, text, showAlert); err != nil {
		log.Printf("callback: answer query failed (likely expired): %v", err)
	}
}

func (h *Handler) editText(ctx context.Context, chatID, messageID int64, text string) {
	if err := h.telegram.EditMessageText(ctx, chatID, messageID, text); err != nil {
		log.Printf("callback: edit message failed: %v", err)
	}
}

func (h *Handler) handleInstanceSwitch(ctx context.Context, instanceID string, q Query, topicID *int64) {
	inst := h.manager.Get(instanceID)
	if inst == nil {
		h.answer(ctx, q.ID, "Instance not found", true)
		return
	}

	h.router.SetCurrentInstance(q.ChatID, inst.ID, "", topicID)
	if topicID != nil {
		h.router.SetTopicInstance(q.ChatID, *topicID, inst.ID)
	}

	h.answer(ctx, q.ID, "Switched to "+inst.DisplayName, false)
	h.editText(ctx, q.ChatID, q.MessageID, fmt.Sprintf("Switched to `%s` (%s)", inst.ShortID(), inst.DisplayName))
}

func (h *Handler) handleInstanceKill(ctx context.Context, instanceID string, q Query, topicID *int64) {
	inst := h.manager.Get(instanceID)
	if inst == nil {
		h.answer(ctx, q.ID, "Instance not found", true)
		return
	}

	err := h.manager.Stop(ctx, instanceID)
	if err != nil {
		h.answer(ctx, q.ID, "Failed to stop", false)
		return
	}

	h.answer(ctx, q.ID, "Instance stopped", false)
	h.editText(ctx, q.ChatID, q.MessageID, fmt.Sprintf("Stopped `%s` (%s)", inst.ShortID(), inst.DisplayName))
}

func (h *Handler) handleSessionSwitch(ctx context.Context, sessionID string, q Query, topicID *int64) {
	instanceID := h.router.CurrentInstanceID(q.ChatID, topicID)
	if instanceID == "" {
		h.answer(ctx, q.ID, "No instance selected", true)
		return
	}
	inst := h.manager.Get(instanceID)
	if inst == nil {
		h.answer(ctx, q.ID, "Instance not found", true)
		return
	}

	h.router.SetCurrentInstance(q.ChatID, inst.ID, sessionID, topicID)

	label := sessionID
	if len(label) > 8 {
		label = label[:8]
	}
	h.answer(ctx, q.ID, "Switched to session "+label, false)
	h.editText(ctx, q.ChatID, q.MessageID, fmt.Sprintf("Switched to session `%s`", label))
}

func (h *Handler) handleModelSelect(ctx context.Context, data string, q Query, topicID *int64) {
	instanceID := h.router.CurrentInstanceID(q.ChatID, topicID)
	if instanceID == "" {
		h.answer(ctx, q.ID, "No instance selected", true)
		return
	}
	if h.manager.Get(instanceID) == nil {
		h.answer(ctx, q.ID, "Instance not found", true)
		return
	}

	providerID, modelID, ok := h.models.LookupCallback(q.ChatID, data)
	if !ok {
		h.answer(ctx, q.ID, "Model not found", true)
		return
	}

	h.router.SetModelPreference(q.ChatID, providerID, modelID, topicID)

	h.answer(ctx, q.ID, fmt.Sprintf("Model set to %s/%s", providerID, modelID), false)
	h.editText(ctx, q.ChatID, q.MessageID, fmt.Sprintf("Model set to `%s/%s`", providerID, modelID))
}

func (h *Handler) handleSessionDelete(ctx context.Context, sessionID string, q Query, topicID *int64) {
	instanceID := h.router.CurrentInstanceID(q.ChatID, topicID)
	if instanceID == "" {
		h.answer(ctx, q.ID, "No instance selected", true)
		return
	}
	inst := h.manager.Get(instanceID)
	if inst == nil {
		h.answer(ctx, q.ID, "Instance not found", true)
		return
	}

	client := h.clientFor(inst)
	if err := client.DeleteSession(ctx, sessionID); err != nil {
		h.answer(ctx, q.ID, "Error: "+truncate(err.Error(), 50), true)
		return
	}

	label := sessionID
	if len(label) > 8 {
		label = label[:8]
	}
	h.answer(ctx, q.ID, "Deleted session "+label, false)
	h.editText(ctx, q.ChatID, q.MessageID, fmt.Sprintf("Deleted session `%s`", label))
}

func (h *Handler) handlePermission(ctx context.Context, action, requestID string, q Query, topicID *int64) {
	instanceID := h.router.CurrentInstanceID(q.ChatID, topicID)
	if instanceID == "" {
		h.answer(ctx, q.ID, "No instance", true)
		return
	}
	inst := h.manager.Get(instanceID)
	if inst == nil {
		h.answer(ctx, q.ID, "Instance not found", true)
		return
	}

	reply := "reject"
	actionText := "Rejected"
	switch action {
	case "y":
		reply, actionText = "once", "Allowed"
	case "a":
		reply, actionText = "always", "Always allowed"
	}

	client := h.clientFor(inst)
	if err := client.ReplyPermission(ctx, requestID, reply); err != nil {
		h.answer(ctx, q.ID, "Error: "+truncate(err.Error(), 50), true)
		return
	}

	h.answer(ctx, q.ID, actionText, false)
	h.pending.ClearNotified(requestID)
	h.editText(ctx, q.ChatID, q.MessageID, "Permission: "+actionText)
}

func (h *Handler) handleQuestion(ctx context.Context, requestID string, optionIdx int, q Query, topicID *int64) {
	instanceID := h.router.CurrentInstanceID(q.ChatID, topicID)
	if instanceID == "" {
		h.answer(ctx, q.ID, "No instance", true)
		return
	}
	inst := h.manager.Get(instanceID)
	if inst == nil {
		h.answer(ctx, q.ID, "Instance not found", true)
		return
	}

	client := h.clientFor(inst)
	questions, err := client.ListPendingQuestions(ctx)
	if err != nil {
		h.answer(ctx, q.ID, "Error: "+truncate(err.Error(), 50), true)
		return
	}

	var selected *agentclient.PendingQuestion
	for i := range questions {
		if questions[i].ID == requestID {
			selected = &questions[i]
			break
		}
	}
	if selected == nil {
		h.answer(ctx, q.ID, "Question expired", true)
		return
	}
	if optionIdx < 0 || optionIdx >= len(selected.Options) {
		h.answer(ctx, q.ID, "Invalid option", true)
		return
	}
	label := selected.Options[optionIdx]

	if err := client.RespondQuestion(ctx, requestID, [][]string{{label}}); err != nil {
		h.answer(ctx, q.ID, "Failed", true)
		return
	}

	h.answer(ctx, q.ID, "Selected: "+truncate(label, 30), false)
	h.pending.ClearNotified(requestID)
	h.editText(ctx, q.ChatID, q.MessageID, "Selected: "+label)

	if h.onQuestionAnswered != nil {
		h.onQuestionAnswered(ctx, inst, q.ChatID, topicID)
	}
}

func (h *Handler) handleThreadInstance(ctx context.Context, chatID, threadID int64, instancePrefix string, q Query) {
	var inst *instance.Instance
	for _, candidate := range h.manager.List() {
		if strings.HasPrefix(candidate.ID, instancePrefix) {
			inst = candidate
			break
		}
	}
	if inst == nil {
		h.answer(ctx, q.ID, "Instance not found", true)
		return
	}

	if !inst.State.IsAlive() {
		restarted, err := h.manager.Restart(ctx, inst.ID)
		if err != nil || restarted == nil || !restarted.State.IsAlive() {
			h.answer(ctx, q.ID, "Failed to start instance", true)
			return
		}
		inst = restarted
	}

	topicID := threadID
	h.router.SetTopicInstance(chatID, topicID, inst.ID)
	h.router.SetCurrentInstance(chatID, inst.ID, "", &topicID)

	h.answer(ctx, q.ID, "Connected to "+inst.DisplayName, false)
	h.renameTopicSafely(ctx, chatID, topicID, inst.DisplayName)

	h.editText(ctx, q.ChatID, q.MessageID, fmt.Sprintf(
		"\U0001F4C1 Connected to *%s*\n\nPath: `%s`\nInstance: `%s`\n\nSend any message to chat with the agent.",
		inst.DisplayName, inst.Directory, inst.ShortID(),
	))
}

func (h *Handler) renameTopicSafely(ctx context.Context, chatID, topicID int64, name string) {
	if err := h.telegram.RenameTopic(ctx, chatID, topicID, name); err != nil {
		log.Printf("callback: rename topic failed: %v", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
