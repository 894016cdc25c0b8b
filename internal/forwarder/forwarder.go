// Package forwarder relays plain chat text to the agent instance bound
// to a chat or forum topic, manages the agent-side session lifecycle,
// and polls for an answer after a question has been resolved out of
// band (e.g. via a callback button).
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/telegram-agentctl/controller/internal/agentclient"
	"github.com/telegram-agentctl/controller/internal/ctlerr"
	"github.com/telegram-agentctl/controller/internal/format"
	"github.com/telegram-agentctl/controller/internal/instance"
	"github.com/telegram-agentctl/controller/internal/telegram"
)

const (
	typingInterval  = 4 * time.Second
	pollTimeout     = 5 * time.Minute
	pollIdlePause   = 4 * time.Second
	errorStatusPause = time.Second
)

// Manager is the subset of processmanager.Manager the forwarder needs.
type Manager interface {
	Get(id string) *instance.Instance
	Running() []*instance.Instance
	Restart(ctx context.Context, id string) (*instance.Instance, error)
}

// Router is the subset of router.Router the forwarder needs.
type Router interface {
	CurrentInstanceID(chatID int64, topicID *int64) string
	SetCurrentInstance(chatID int64, instanceID, sessionID string, topicID *int64)
	ClearCurrentInstance(chatID int64, topicID *int64)
	SetTopicInstance(chatID, topicID int64, instanceID string)
	ClearTopicInstance(chatID, topicID int64)
	SetSessionID(chatID int64, sessionID string, topicID *int64)
	GetSessionID(chatID int64, topicID *int64) string
	GetModelPreference(chatID int64, topicID *int64) (providerID, modelID string)
}

// PendingChecker lets the forwarder trigger an immediate permission/
// question sweep right after a message round-trip, instead of waiting
// for the next background sweep.
type PendingChecker interface {
	CheckOne(ctx context.Context, inst *instance.Instance, chatID int64, topicID *int64)
}

// Telegram is the subset of the bot client the forwarder needs.
type Telegram interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessageToTopic(ctx context.Context, chatID, topicID int64, text string) error
	SendMessageWithKeyboardToTopic(ctx context.Context, chatID, topicID int64, text string, keyboard [][]Button) error
	SetTyping(ctx context.Context, chatID int64) error
	SetTypingInTopic(ctx context.Context, chatID, topicID int64) error
}

// Button is an alias for telegram.Button so a *telegram.Client can
// satisfy this package's Telegram interface without a conversion shim
// at every call site.
type Button = telegram.Button

// BrowserOpener best-effort opens an instance's web UI.
type BrowserOpener interface {
	Open(ctx context.Context, url string) error
}

// MarkBrowserOpened persists that an instance's browser tab has already
// been opened once, so Forward doesn't reopen it on every message.
type MarkBrowserOpened interface {
	MarkBrowserOpened(id string)
}

// Forwarder relays plain chat text into the agent instance bound to a
// chat/topic and streams the reply back.
type Forwarder struct {
	manager Manager
	router  Router
	pending PendingChecker
	telegram Telegram
	browser BrowserOpener
	marker  MarkBrowserOpened

	clientFor func(*instance.Instance) *agentclient.Client
}

// Options configures a new Forwarder.
type Options struct {
	Manager   Manager
	Router    Router
	Pending   PendingChecker
	Telegram  Telegram
	Browser   BrowserOpener
	Marker    MarkBrowserOpened
	ClientFor func(*instance.Instance) *agentclient.Client
}

// New constructs a Forwarder.
func New(opts Options) *Forwarder {
	return &Forwarder{
		manager:   opts.Manager,
		router:    opts.Router,
		pending:   opts.Pending,
		telegram:  opts.Telegram,
		browser:   opts.Browser,
		marker:    opts.Marker,
		clientFor: opts.ClientFor,
	}
}

// Forward delivers text to the instance bound to chatID/topicID,
// auto-resuming a stopped instance and showing an instance picker for
// unbound forum topics.
func (f *Forwarder) Forward(ctx context.Context, chatID int64, text, username string, topicID *int64) {
	instanceID := f.router.CurrentInstanceID(chatID, topicID)

	if instanceID == "" {
		if topicID != nil {
			f.showThreadInstancePicker(ctx, chatID, *topicID)
			return
		}
		f.sendText(ctx, chatID, topicID, "No instance selected.\n\nUse `/open <path>` to open a project or `/list` to see available instances.")
		return
	}

	inst := f.manager.Get(instanceID)
	if inst == nil {
		f.router.ClearCurrentInstance(chatID, topicID)
		if topicID != nil {
			f.router.ClearTopicInstance(chatID, *topicID)
		}
		f.sendText(ctx, chatID, topicID, "Instance no longer exists.\n\nUse `/open <path>` to open a project.")
		return
	}

	if !inst.State.IsAlive() {
		resumed := f.autoResumeInstance(ctx, inst, chatID, topicID)
		if resumed == nil {
			return
		}
		inst = resumed
	}

	if !inst.BrowserOpened && f.browser != nil {
		go f.openBrowserForInstance(inst)
	}

	client := f.clientFor(inst)

	sessionID := f.router.GetSessionID(chatID, topicID)
	if sessionID == "" {
		session, err := client.CreateSession(ctx, "", "")
		if err != nil {
			f.sendText(ctx, chatID, topicID, "Failed to create session: "+truncate(err.Error(), 200))
			return
		}
		sessionID = session.ID
		f.router.SetSessionID(chatID, sessionID, topicID)
		log.Printf("forwarder: created session %s in instance %s", shortID(sessionID), inst.ShortID())
	}

	f.setTyping(ctx, chatID, topicID)

	providerID, modelID := f.router.GetModelPreference(chatID, topicID)
	if providerID == "" {
		providerID = inst.ProviderID
	}
	if modelID == "" {
		modelID = inst.ModelID
	}

	prompt := fmt.Sprintf("[Telegram from @%s]: %s", username, text)

	responseText, err := f.sendWithTyping(ctx, client, chatID, topicID, sessionID, prompt, providerID, modelID)
	if err != nil {
		var agentErr *ctlerr.AgentError
		if errors.As(err, &agentErr) {
			msg := fmt.Sprintf("Instance error %d", agentErr.StatusCode)
			if agentErr.Body != "" {
				msg = fmt.Sprintf("%s: %s", msg, truncate(agentErr.Body, 200))
			}
			if agentErr.SessionGone() {
				f.router.SetSessionID(chatID, "", topicID)
			}
			f.sendText(ctx, chatID, topicID, msg)
			return
		}
		f.sendText(ctx, chatID, topicID, "Error: "+truncate(err.Error(), 200))
		return
	}

	if responseText != "" {
		f.sendText(ctx, chatID, topicID, responseText)
	} else {
		f.sendText(ctx, chatID, topicID, "(Empty response from instance)")
	}

	if f.pending != nil {
		f.pending.CheckOne(ctx, inst, chatID, topicID)
	}
}

func (f *Forwarder) autoResumeInstance(ctx context.Context, inst *instance.Instance, chatID int64, topicID *int64) *instance.Instance {
	log.Printf("forwarder: auto-resuming stopped instance %s for chat %d topic %v", inst.ShortID(), chatID, topicID)
	f.sendText(ctx, chatID, topicID, fmt.Sprintf("Resuming `%s`...", inst.DisplayName))

	resumed, err := f.manager.Restart(ctx, inst.ID)
	if err != nil || resumed == nil || !resumed.State.IsAlive() {
		f.sendText(ctx, chatID, topicID, fmt.Sprintf(
			"Failed to resume instance.\n\nUse `/open %s` to manually restart.", inst.Directory))
		return nil
	}

	f.router.SetCurrentInstance(chatID, resumed.ID, "", topicID)
	if topicID != nil {
		f.router.SetTopicInstance(chatID, *topicID, resumed.ID)
	}
	log.Printf("forwarder: resumed instance %s", resumed.ShortID())
	return resumed
}

// sendWithTyping posts the prompt and keeps a typing indicator flowing
// while the agent works.
func (f *Forwarder) sendWithTyping(ctx context.Context, client *agentclient.Client, chatID int64, topicID *int64, sessionID, prompt, providerID, modelID string) (string, error) {
	type result struct {
		resp agentclient.MessageResponse
		err  error
	}
	done := make(chan result, 1)

	go func() {
		resp, err := client.SendMessage(ctx, sessionID, prompt, providerID, modelID)
		done <- result{resp, err}
	}()

	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()

	f.setTyping(ctx, chatID, topicID)

	for {
		select {
		case r := <-done:
			if r.err != nil {
				return "", r.err
			}
			if r.resp.Info.Error != nil {
				return "Error: " + truncate(r.resp.Info.Error.Data.Message, 200), nil
			}
			return format.ProcessTerminalOutput(r.resp.Text()), nil
		case <-ticker.C:
			f.setTyping(ctx, chatID, topicID)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// PollAndForward polls a session until it's idle after an out-of-band
// answer (e.g. a permission or question resolved via callback button),
// then forwards any new assistant message to the chat.
func (f *Forwarder) PollAndForward(ctx context.Context, inst *instance.Instance, chatID int64, topicID *int64) {
	sessionID := f.router.GetSessionID(chatID, topicID)
	if sessionID == "" {
		log.Printf("forwarder: no session for chat %d topic %v", chatID, topicID)
		return
	}

	client := f.clientFor(inst)
	deadline := time.Now().Add(pollTimeout)

	known := make(map[string]bool)
	if msgs, err := client.ListMessages(ctx, sessionID, 20); err == nil {
		for _, raw := range msgs {
			if id := extractID(raw); id != "" {
				known[id] = true
			}
		}
	}

	f.setTyping(ctx, chatID, topicID)

	for {
		if time.Now().After(deadline) {
			log.Printf("forwarder: timeout waiting for response in session %s", shortID(sessionID))
			return
		}

		statuses, err := client.SessionStatus(ctx)
		if err != nil {
			log.Printf("forwarder: poll session status: %v", err)
			time.Sleep(errorStatusPause)
			continue
		}

		state := statuses[sessionID]
		switch state.Type {
		case "", "idle":
			f.forwardNewAssistantMessage(ctx, client, chatID, topicID, sessionID, known)
			if f.pending != nil {
				f.pending.CheckOne(ctx, inst, chatID, topicID)
			}
			return
		case "question":
			if f.pending != nil {
				f.pending.CheckOne(ctx, inst, chatID, topicID)
			}
			return
		}

		f.setTyping(ctx, chatID, topicID)
		time.Sleep(pollIdlePause)
	}
}

func (f *Forwarder) forwardNewAssistantMessage(ctx context.Context, client *agentclient.Client, chatID int64, topicID *int64, sessionID string, known map[string]bool) {
	msgs, err := client.ListMessages(ctx, sessionID, 20)
	if err != nil {
		log.Printf("forwarder: list messages: %v", err)
		return
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		id := extractID(msgs[i])
		role := extractRole(msgs[i])
		if role != "assistant" || id == "" || known[id] {
			continue
		}
		text := extractText(msgs[i])
		if text != "" {
			f.sendText(ctx, chatID, topicID, format.ProcessTerminalOutput(text))
		}
		return
	}
}

func (f *Forwarder) showThreadInstancePicker(ctx context.Context, chatID, topicID int64) {
	running := f.manager.Running()

	if len(running) == 0 {
		f.telegram.SendMessageToTopic(ctx, chatID, topicID,
			"*New Thread*\n\nNo running instances. Create one by sending a path:\n`/open ~/projects/myapp`")
		return
	}

	var keyboard [][]Button
	var lines []string
	lines = append(lines, "*New Thread*\n\nThis thread is not connected to any project.\n\n*Select an existing instance:*")
	for _, inst := range running {
		keyboard = append(keyboard, []Button{{
			Text:         "\U0001F4C1 " + inst.DisplayName,
			CallbackData: fmt.Sprintf("thread_inst:%d:%s", topicID, truncate(inst.ID, 20)),
		}})
		lines = append(lines, fmt.Sprintf("• `%s` - %s", inst.ShortID(), inst.DisplayName))
	}
	lines = append(lines, "\n*Or create a new instance:*\nSend a directory path like `/open ~/projects/myapp`")

	f.telegram.SendMessageWithKeyboardToTopic(ctx, chatID, topicID, strings.Join(lines, "\n"), keyboard)
}

func (f *Forwarder) openBrowserForInstance(inst *instance.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := f.browser.Open(ctx, inst.URL()); err != nil {
		log.Printf("forwarder: failed to open browser for %s: %v", inst.ShortID(), err)
		return
	}
	if f.marker != nil {
		f.marker.MarkBrowserOpened(inst.ID)
	}
	log.Printf("forwarder: browser opened for %s", inst.ShortID())
}

func (f *Forwarder) sendText(ctx context.Context, chatID int64, topicID *int64, text string) {
	var err error
	if topicID != nil {
		err = f.telegram.SendMessageToTopic(ctx, chatID, *topicID, text)
	} else {
		err = f.telegram.SendMessage(ctx, chatID, text)
	}
	if err != nil {
		var tgErr *ctlerr.TelegramError
		msg := strings.ToLower(err.Error())
		if errors.As(err, &tgErr) {
			msg = strings.ToLower(tgErr.Body)
		}
		if topicID != nil && (strings.Contains(msg, "thread not found") || strings.Contains(msg, "message_thread_id")) {
			log.Printf("forwarder: topic %d in chat %d appears deleted, clearing mapping", *topicID, chatID)
			f.router.ClearTopicInstance(chatID, *topicID)
			f.router.ClearCurrentInstance(chatID, topicID)
		}
		log.Printf("forwarder: send to chat %d failed: %v", chatID, err)
	}
}

func (f *Forwarder) setTyping(ctx context.Context, chatID int64, topicID *int64) {
	var err error
	if topicID != nil {
		err = f.telegram.SetTypingInTopic(ctx, chatID, *topicID)
	} else {
		err = f.telegram.SetTyping(ctx, chatID)
	}
	if err != nil {
		log.Printf("forwarder: set typing for chat %d failed: %v", chatID, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func shortID(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

type rawMessage struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"parts"`
}

func extractID(raw json.RawMessage) string {
	var m rawMessage
	if json.Unmarshal(raw, &m) != nil {
		return ""
	}
	return m.ID
}

func extractRole(raw json.RawMessage) string {
	var m rawMessage
	if json.Unmarshal(raw, &m) != nil {
		return ""
	}
	return m.Role
}

func extractText(raw json.RawMessage) string {
	var m rawMessage
	if json.Unmarshal(raw, &m) != nil {
		return ""
	}
	var parts []string
	for _, p := range m.Parts {
		if p.Type == "text" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}
