package dispatcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/telegram-agentctl/controller/internal/config"
	"github.com/telegram-agentctl/controller/internal/ctlerr"
	"github.com/telegram-agentctl/controller/internal/instance"
)

// ModelCatalog backs the /models keyboard: the set of favourite models
// an operator configured, and the short callback_data each maps to.
type ModelCatalog interface {
	Favourites() []FavouriteModel
	CallbackData(provider, model string) string
}

// FavouriteModel is an alias for config.FavouriteModel so callers can
// satisfy ModelCatalog without this package importing config for
// anything but this one type.
type FavouriteModel = config.FavouriteModel

// instanceRoute describes how one instance-scope command maps onto the
// agent's HTTP API. Session-scoped routes are rooted at
// "/session/<id>"; global routes need no bound session.
type instanceRoute struct {
	method  string
	path    string
	session bool
}

var instanceRoutes = map[string]instanceRoute{
	"sessions":  {method: "GET", path: "/session"},
	"session":   {method: "GET", path: "", session: true},
	"info":      {method: "GET", path: "", session: true},
	"agents":    {method: "GET", path: "/agent"},
	"config":    {method: "GET", path: "/config"},
	"files":     {method: "GET", path: "/file"},
	"read":      {method: "GET", path: "/file/content"},
	"find":      {method: "GET", path: "/find"},
	"findfile":  {method: "GET", path: "/find/file"},
	"find-symbol": {method: "GET", path: "/find/symbol"},
	"find_symbol": {method: "GET", path: "/find/symbol"},
	"messages":  {method: "GET", path: "/message", session: true},
	"diff":      {method: "GET", path: "/diff", session: true},
	"todo":      {method: "GET", path: "/todo", session: true},
	"vcs":       {method: "GET", path: "/vcs"},
	"lsp":       {method: "GET", path: "/lsp"},
	"formatter": {method: "GET", path: "/formatter"},
	"mcp":       {method: "GET", path: "/mcp"},
	"commands":  {method: "GET", path: "/command"},
	"prompt":    {method: "POST", path: "/prompt", session: true},
	"shell":     {method: "POST", path: "/shell", session: true},
	"fork":      {method: "POST", path: "/fork", session: true},
	"abort":     {method: "POST", path: "/abort", session: true},
	"delete":    {method: "DELETE", path: "", session: true},
	"share":     {method: "POST", path: "/share", session: true},
	"unshare":   {method: "POST", path: "/unshare", session: true},
	"revert":    {method: "POST", path: "/revert", session: true},
	"unrevert":  {method: "POST", path: "/unrevert", session: true},
	"summarize": {method: "POST", path: "/summarize", session: true},
	"init":      {method: "POST", path: "/init", session: true},
	"dispose":   {method: "POST", path: "/dispose", session: true},
}

// HandleText tries controller-scope command handling first, then
// instance-scope pass-through. It returns ok=false when text is not a
// controller-scope or instance-scope slash command, and also when an
// instance-scope command finds no instance bound to the chat; the
// caller then forwards the text as a plain prompt.
func (d *Dispatcher) HandleText(ctx context.Context, text string, chatID int64, topicID *int64) (Response, bool) {
	if resp, ok := d.Handle(ctx, text, chatID, topicID); ok {
		return resp, true
	}

	cmd, args, ok := ParseCommand(text)
	if !ok {
		return Response{}, false
	}
	if _, isInstanceCmd := InstanceCommands()[cmd]; !isInstanceCmd {
		return Response{}, false
	}
	return d.HandleInstance(ctx, cmd, args, chatID, topicID)
}

// HandleInstance dispatches an instance-scope command (one named by
// InstanceCommands) to the chat's bound instance. ok is false if no
// instance is bound.
func (d *Dispatcher) HandleInstance(ctx context.Context, cmd, args string, chatID int64, topicID *int64) (Response, bool) {
	instanceID := d.router.CurrentInstanceID(chatID, topicID)
	if instanceID == "" {
		return Response{}, false
	}
	inst := d.manager.Get(instanceID)
	if inst == nil || !inst.State.IsAlive() {
		return text("Current instance is not running.\n\nUse `/switch` to pick a live instance."), true
	}

	switch cmd {
	case "models":
		return d.cmdModels(chatID, topicID), true
	case "directory":
		return text(fmt.Sprintf("Directory: `%s`", inst.Directory)), true
	case "project":
		return text(fmt.Sprintf("Project: *%s*\nType: `%s`\nDirectory: `%s`", inst.DisplayName, inst.InstanceType, inst.Directory)), true
	case "pending":
		return d.cmdPending(ctx, inst), true

	case "health":
		client := d.clientFor(inst)
		if err := client.Health(ctx); err != nil {
			return text("Unhealthy: " + truncate(err.Error(), 200)), true
		}
		return text("Healthy."), true
	}

	route, known := instanceRoutes[cmd]
	if !known {
		return Response{}, false
	}

	path := route.path
	if route.session {
		sessionID := d.router.GetSessionID(chatID, topicID)
		if sessionID == "" {
			return text("No active session yet. Send a message first to start one."), true
		}
		path = "/session/" + sessionID + route.path
	}

	var body interface{}
	switch {
	case route.method == "GET" && args != "":
		path = path + "?q=" + url.QueryEscape(args)
	case route.method != "GET" && args != "":
		body = map[string]string{"args": args}
	}

	client := d.clientFor(inst)
	raw, err := client.Call(ctx, route.method, path, body)
	if err != nil {
		if ae, ok := err.(*ctlerr.AgentError); ok && ae.SessionGone() {
			return text("That session no longer exists on the agent."), true
		}
		return text("Error: " + truncate(err.Error(), 300)), true
	}

	result := strings.TrimSpace(string(raw))
	if result == "" {
		result = "(empty response)"
	}
	return text(fmt.Sprintf("```\n%s\n```", truncate(result, 3500))), true
}

func (d *Dispatcher) cmdPending(ctx context.Context, inst *instance.Instance) Response {
	client := d.clientFor(inst)

	perms, err := client.ListPendingPermissions(ctx)
	if err != nil {
		return text("Error listing pending permissions: " + truncate(err.Error(), 200))
	}
	questions, err := client.ListPendingQuestions(ctx)
	if err != nil {
		return text("Error listing pending questions: " + truncate(err.Error(), 200))
	}

	if len(perms) == 0 && len(questions) == 0 {
		return text("No pending permissions or questions for this instance.")
	}
	return text(fmt.Sprintf(
		"%d pending permission(s), %d pending question(s).\n\nThey'll arrive here as interactive prompts within 10s.",
		len(perms), len(questions)))
}

func (d *Dispatcher) cmdModels(chatID int64, topicID *int64) Response {
	if d.models == nil {
		return text("No favourite models configured.")
	}
	favourites := d.models.Favourites()
	if len(favourites) == 0 {
		return text("No favourite models configured.\n\nSet `TELEGRAM_FAVOURITE_MODELS` to populate this list.")
	}

	providerID, modelID := d.router.GetModelPreference(chatID, topicID)

	var keyboard [][]Button
	for _, f := range favourites {
		marker := ""
		if f.Provider == providerID && f.Model == modelID {
			marker = " \U0001F448"
		}
		keyboard = append(keyboard, []Button{{
			Text:         fmt.Sprintf("%s/%s%s", f.Provider, f.Model, marker),
			CallbackData: d.models.CallbackData(f.Provider, f.Model),
		}})
	}

	return Response{Text: "*Favourite models*\n\nTap to set as the preference for this chat:", Keyboard: keyboard}
}
