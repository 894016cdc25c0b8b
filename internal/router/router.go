// Package router persists the mapping of Telegram conversation contexts
// (chats, forum topics) to agent instances and agent-side sessions,
// rewriting the whole file on every save.
package router

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Context is a single chat's or topic's routing state.
type Context struct {
	ChatID            int64     `json:"chat_id"`
	TopicID           *int64    `json:"topic_id,omitempty"`
	CurrentInstanceID string    `json:"current_instance_id,omitempty"`
	SessionID         string    `json:"session_id,omitempty"`
	ProviderID        string    `json:"provider_id,omitempty"`
	ModelID           string    `json:"model_id,omitempty"`
	LastActivity      time.Time `json:"last_activity,omitempty"`
	Name              string    `json:"name,omitempty"`
}

type topicKey struct {
	ChatID  int64
	TopicID int64
}

func (k topicKey) String() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.TopicID)
}

func parseTopicKey(s string) (topicKey, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return topicKey{}, false
	}
	chatID, err1 := strconv.ParseInt(parts[0], 10, 64)
	topicID, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return topicKey{}, false
	}
	return topicKey{ChatID: chatID, TopicID: topicID}, true
}

type persisted struct {
	Contexts          []Context         `json:"contexts"`
	DefaultInstanceID string            `json:"default_instance_id,omitempty"`
	InstanceSessions  map[string]string `json:"instance_sessions"`
	TopicInstances    map[string]string `json:"topic_instances"`
	ForumChats        []int64           `json:"forum_chats"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Router is the persistent session/context router.
type Router struct {
	path string

	mu                sync.Mutex
	contexts          map[string]*Context
	defaultInstanceID string
	instanceSessions  map[string]string
	topicInstances    map[topicKey]string
	forumChats        map[int64]bool
}

// New loads (or initializes) a router backed by path.
func New(path string) (*Router, error) {
	r := &Router{
		path:             path,
		contexts:         make(map[string]*Context),
		instanceSessions: make(map[string]string),
		topicInstances:   make(map[topicKey]string),
		forumChats:       make(map[int64]bool),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func contextKey(chatID int64, topicID *int64) string {
	if topicID != nil {
		return fmt.Sprintf("topic:%d:%d", chatID, *topicID)
	}
	return fmt.Sprintf("chat:%d", chatID)
}

func (r *Router) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil // tolerate corrupt state file, start fresh
	}

	for i := range p.Contexts {
		c := p.Contexts[i]
		r.contexts[contextKey(c.ChatID, c.TopicID)] = &c
	}
	r.defaultInstanceID = p.DefaultInstanceID
	if p.InstanceSessions != nil {
		r.instanceSessions = p.InstanceSessions
	}
	for k, v := range p.TopicInstances {
		if tk, ok := parseTopicKey(k); ok {
			r.topicInstances[tk] = v
		}
	}
	for _, id := range p.ForumChats {
		r.forumChats[id] = true
	}
	return nil
}

func (r *Router) saveLocked() {
	p := persisted{
		DefaultInstanceID: r.defaultInstanceID,
		InstanceSessions:  r.instanceSessions,
		TopicInstances:    make(map[string]string, len(r.topicInstances)),
		UpdatedAt:         time.Now(),
	}
	for _, c := range r.contexts {
		p.Contexts = append(p.Contexts, *c)
	}
	for k, v := range r.topicInstances {
		p.TopicInstances[k.String()] = v
	}
	for id := range r.forumChats {
		p.ForumChats = append(p.ForumChats, id)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(r.path, data, 0o644)
}

// MarkChatAsForum remembers that chatID supports topics.
func (r *Router) MarkChatAsForum(chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.forumChats[chatID] {
		r.forumChats[chatID] = true
		r.saveLocked()
	}
}

// IsForumChat reports whether chatID was previously marked as forum.
func (r *Router) IsForumChat(chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forumChats[chatID]
}

// GetContext returns (creating if absent) the context for chatID/topicID.
func (r *Router) GetContext(chatID int64, topicID *int64) Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.getOrCreateLocked(chatID, topicID)
}

func (r *Router) getOrCreateLocked(chatID int64, topicID *int64) *Context {
	key := contextKey(chatID, topicID)
	c, ok := r.contexts[key]
	if !ok {
		c = &Context{
			ChatID:            chatID,
			TopicID:           topicID,
			CurrentInstanceID: r.defaultInstanceID,
			LastActivity:      time.Now(),
		}
		r.contexts[key] = c
		r.saveLocked()
	}
	return c
}

// CurrentInstanceID resolves the instance bound to chatID/topicID. A
// topic binding shadows the chat-level context on read.
func (r *Router) CurrentInstanceID(chatID int64, topicID *int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topicID != nil {
		if id, ok := r.topicInstances[topicKey{ChatID: chatID, TopicID: *topicID}]; ok {
			return id
		}
	}
	return r.getOrCreateLocked(chatID, topicID).CurrentInstanceID
}

// SetCurrentInstance binds chatID/topicID to instanceID, restoring the
// instance's last remembered session if sessionID isn't supplied.
func (r *Router) SetCurrentInstance(chatID int64, instanceID, sessionID string, topicID *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.getOrCreateLocked(chatID, topicID)
	c.CurrentInstanceID = instanceID
	c.LastActivity = time.Now()

	if sessionID != "" {
		c.SessionID = sessionID
		r.instanceSessions[instanceID] = sessionID
	} else if remembered, ok := r.instanceSessions[instanceID]; ok {
		c.SessionID = remembered
	}

	if topicID != nil {
		r.topicInstances[topicKey{ChatID: chatID, TopicID: *topicID}] = instanceID
	}
	r.saveLocked()
}

// ClearCurrentInstance unbinds chatID/topicID, also dropping any topic
// binding for the same key.
func (r *Router) ClearCurrentInstance(chatID int64, topicID *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.getOrCreateLocked(chatID, topicID)
	c.CurrentInstanceID = ""
	c.SessionID = ""
	c.LastActivity = time.Now()

	if topicID != nil {
		delete(r.topicInstances, topicKey{ChatID: chatID, TopicID: *topicID})
	}
	r.saveLocked()
}

// SetSessionID records the agent session bound to chatID/topicID, and
// remembers it as the instance's last-active session.
func (r *Router) SetSessionID(chatID int64, sessionID string, topicID *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.getOrCreateLocked(chatID, topicID)
	c.SessionID = sessionID
	c.LastActivity = time.Now()
	if sessionID != "" && c.CurrentInstanceID != "" {
		r.instanceSessions[c.CurrentInstanceID] = sessionID
	}
	r.saveLocked()
}

// GetSessionID returns the agent session bound to chatID/topicID.
func (r *Router) GetSessionID(chatID int64, topicID *int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(chatID, topicID).SessionID
}

// SetModelPreference records a per-context model override.
func (r *Router) SetModelPreference(chatID int64, providerID, modelID string, topicID *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.getOrCreateLocked(chatID, topicID)
	c.ProviderID = providerID
	c.ModelID = modelID
	c.LastActivity = time.Now()
	r.saveLocked()
}

// GetModelPreference returns the per-context model override, if any.
func (r *Router) GetModelPreference(chatID int64, topicID *int64) (providerID, modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.getOrCreateLocked(chatID, topicID)
	return c.ProviderID, c.ModelID
}

// SetTopicInstance maps a topic directly to an instance.
func (r *Router) SetTopicInstance(chatID, topicID int64, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topicInstances[topicKey{ChatID: chatID, TopicID: topicID}] = instanceID
	r.saveLocked()
}

// ClearTopicInstance removes a topic's instance mapping.
func (r *Router) ClearTopicInstance(chatID, topicID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := topicKey{ChatID: chatID, TopicID: topicID}
	if _, ok := r.topicInstances[key]; ok {
		delete(r.topicInstances, key)
		r.saveLocked()
	}
}

// TopicBinding describes one (chat, topic, instance) mapping.
type TopicBinding struct {
	ChatID     int64
	TopicID    int64
	InstanceID string
}

// ChatsForInstance lists every chat id whose current (non-topic)
// context points at instanceID.
func (r *Router) ChatsForInstance(instanceID string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, c := range r.contexts {
		if c.TopicID == nil && c.CurrentInstanceID == instanceID {
			out = append(out, c.ChatID)
		}
	}
	return out
}

// TopicsForInstance lists every (chatID, topicID) pair bound to instanceID.
func (r *Router) TopicsForInstance(instanceID string) []TopicBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TopicBinding
	for k, id := range r.topicInstances {
		if id == instanceID {
			out = append(out, TopicBinding{ChatID: k.ChatID, TopicID: k.TopicID, InstanceID: id})
		}
	}
	return out
}

// GetInstanceForTopic returns the instance bound to a specific topic.
func (r *Router) GetInstanceForTopic(chatID, topicID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.topicInstances[topicKey{ChatID: chatID, TopicID: topicID}]
	return id, ok
}

// TopicsForChat lists every topic binding recorded for chatID.
func (r *Router) TopicsForChat(chatID int64) []TopicBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TopicBinding
	for k, id := range r.topicInstances {
		if k.ChatID == chatID {
			out = append(out, TopicBinding{ChatID: chatID, TopicID: k.TopicID, InstanceID: id})
		}
	}
	return out
}

// RemoveInstanceReferences scrubs every context, topic binding, and
// remembered session that refers to instanceID. Returns the number of
// contexts affected; a topic context and its topic binding count once.
func (r *Router) RemoveInstanceReferences(instanceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	affected := make(map[string]bool)
	for key, c := range r.contexts {
		if c.CurrentInstanceID == instanceID {
			c.CurrentInstanceID = ""
			c.SessionID = ""
			affected[key] = true
		}
	}
	for k, id := range r.topicInstances {
		if id == instanceID {
			delete(r.topicInstances, k)
			topicID := k.TopicID
			affected[contextKey(k.ChatID, &topicID)] = true
		}
	}
	count := len(affected)
	delete(r.instanceSessions, instanceID)
	if r.defaultInstanceID == instanceID {
		r.defaultInstanceID = ""
	}
	if count > 0 {
		r.saveLocked()
	}
	return count
}

// SetDefaultInstance sets the fallback instance assigned to brand-new
// contexts.
func (r *Router) SetDefaultInstance(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultInstanceID = instanceID
	r.saveLocked()
}
