// Package agentclient is a typed HTTP client for one agent instance's
// HTTP API: health, sessions, messages, and pending permission/question
// requests.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/telegram-agentctl/controller/internal/ctlerr"
)

// defaultTimeout accommodates long model responses; individual calls
// that need a shorter budget pass their own context deadline.
const defaultTimeout = 10 * time.Minute

// Client talks to a single agent instance at baseURL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the agent listening at baseURL (e.g.
// "http://127.0.0.1:4097").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Session is the subset of the agent's session object the controller
// cares about.
type Session struct {
	ID       string `json:"id"`
	ParentID string `json:"parentID,omitempty"`
	Title    string `json:"title,omitempty"`
}

// SessionState is one entry from GET /session/status.
type SessionState struct {
	Type string `json:"type"` // busy|idle|question|...
}

// MessagePart is one piece of a message's content.
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessageResponse is the result of POST /session/{id}/message.
type MessageResponse struct {
	Info struct {
		Error *struct {
			Data struct {
				Message string `json:"message"`
			} `json:"data"`
		} `json:"error,omitempty"`
	} `json:"info"`
	Parts []MessagePart `json:"parts"`
}

// Text concatenates all text parts of the response.
func (m *MessageResponse) Text() string {
	var buf bytes.Buffer
	for _, p := range m.Parts {
		if p.Type == "text" {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

// PendingPermission is one entry from GET /session/pending-permissions.
type PendingPermission struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"sessionID"`
	Permission string   `json:"permission"`
	Patterns   []string `json:"patterns,omitempty"`
}

// PendingQuestion is one entry from GET /session/pending-questions.
type PendingQuestion struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	Question  string   `json:"question"`
	Options   []string `json:"options"`
}

// Health probes liveness.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/global/health", nil)
	return err
}

// ListSessions lists all sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	body, err := c.do(ctx, http.MethodGet, "/session", nil)
	if err != nil {
		return nil, err
	}
	var out []Session
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return out, nil
}

// CreateSession creates a new session, optionally as a child of parentID.
func (c *Client) CreateSession(ctx context.Context, parentID, title string) (Session, error) {
	req := map[string]string{}
	if parentID != "" {
		req["parentID"] = parentID
	}
	if title != "" {
		req["title"] = title
	}
	body, err := c.do(ctx, http.MethodPost, "/session", req)
	if err != nil {
		return Session{}, err
	}
	var out Session
	if err := json.Unmarshal(body, &out); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return out, nil
}

// GetSession fetches one session's details.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	body, err := c.do(ctx, http.MethodGet, "/session/"+id, nil)
	if err != nil {
		return Session{}, err
	}
	var out Session
	if err := json.Unmarshal(body, &out); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and its data.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/session/"+id, nil)
	return err
}

// SessionStatus returns the busy/idle/question state for every session.
func (c *Client) SessionStatus(ctx context.Context) (map[string]SessionState, error) {
	body, err := c.do(ctx, http.MethodGet, "/session/status", nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]SessionState)
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode session status: %w", err)
	}
	return out, nil
}

// ListMessages returns up to limit messages for a session (0 = no limit).
func (c *Client) ListMessages(ctx context.Context, sessionID string, limit int) ([]json.RawMessage, error) {
	path := fmt.Sprintf("/session/%s/message", sessionID)
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out, nil
}

// SendMessage posts a prompt to a session and blocks for the reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, text, providerID, modelID string) (MessageResponse, error) {
	req := map[string]interface{}{
		"parts": []MessagePart{{Type: "text", Text: text}},
	}
	if providerID != "" && modelID != "" {
		req["model"] = map[string]string{"providerID": providerID, "modelID": modelID}
	}
	body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/session/%s/message", sessionID), req)
	if err != nil {
		return MessageResponse{}, err
	}
	var out MessageResponse
	if len(body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return MessageResponse{}, fmt.Errorf("decode message response: %w", err)
	}
	return out, nil
}

// ListPendingPermissions lists open permission requests across all sessions.
func (c *Client) ListPendingPermissions(ctx context.Context) ([]PendingPermission, error) {
	body, err := c.do(ctx, http.MethodGet, "/session/pending-permissions", nil)
	if err != nil {
		return nil, err
	}
	var out []PendingPermission
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode pending permissions: %w", err)
	}
	return out, nil
}

// ListPendingQuestions lists open multiple-choice questions across all
// sessions.
func (c *Client) ListPendingQuestions(ctx context.Context) ([]PendingQuestion, error) {
	body, err := c.do(ctx, http.MethodGet, "/session/pending-questions", nil)
	if err != nil {
		return nil, err
	}
	var out []PendingQuestion
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode pending questions: %w", err)
	}
	return out, nil
}

// ReplyPermission answers a pending permission request. reply must be
// one of "once", "always", "reject".
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string) error {
	_, err := c.do(ctx, http.MethodPost, "/permission/"+requestID+"/reply", map[string]string{"reply": reply})
	return err
}

// RespondQuestion answers a pending question. answers is a list of
// option-label groups, one per sub-question.
func (c *Client) RespondQuestion(ctx context.Context, requestID string, answers [][]string) error {
	_, err := c.do(ctx, http.MethodPost, "/question/"+requestID+"/respond", map[string]interface{}{"answers": answers})
	return err
}

// Call invokes an arbitrary path with an arbitrary method and JSON body,
// returning the raw response body. Used by the command dispatcher for
// instance-scope pass-through commands that don't merit a dedicated
// method (e.g. /diff, /todo, /share).
func (c *Client) Call(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	return c.do(ctx, method, path, body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ctlerr.AgentError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
