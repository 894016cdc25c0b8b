// Package dispatcher handles controller-level Telegram commands
// (/open, /list, /switch, /kill, ...), as opposed to instance-scope
// commands and plain chat text, which the message forwarder passes
// straight through to the agent.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/telegram-agentctl/controller/internal/agentclient"
	"github.com/telegram-agentctl/controller/internal/callback"
	"github.com/telegram-agentctl/controller/internal/factory"
	"github.com/telegram-agentctl/controller/internal/instance"
	"github.com/telegram-agentctl/controller/internal/projectname"
	"github.com/telegram-agentctl/controller/internal/router"
)

const (
	healthProbeTimeout = 2 * time.Second
	defaultType        = factory.TypeOpenCode
)

// Button is one inline keyboard button in a Response.
type Button struct {
	Text         string
	CallbackData string
}

// Response is what a controller command produces: text, optionally
// paired with an inline keyboard.
type Response struct {
	Text     string
	Keyboard [][]Button
}

// Manager is the subset of processmanager.Manager the dispatcher needs.
type Manager interface {
	Get(id string) *instance.Instance
	GetByDirectory(directory string) *instance.Instance
	List() []*instance.Instance
	Running() []*instance.Instance
	Spawn(ctx context.Context, directory, instanceType, name, providerID, modelID string, port int) (*instance.Instance, error)
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) (*instance.Instance, error)
	Remove(id string) bool
}

// Router is the subset of router.Router the dispatcher needs.
type Router interface {
	CurrentInstanceID(chatID int64, topicID *int64) string
	SetCurrentInstance(chatID int64, instanceID, sessionID string, topicID *int64)
	ClearCurrentInstance(chatID int64, topicID *int64)
	SetTopicInstance(chatID, topicID int64, instanceID string)
	ClearTopicInstance(chatID, topicID int64)
	TopicsForChat(chatID int64) []router.TopicBinding
	RemoveInstanceReferences(instanceID string) int
	GetSessionID(chatID int64, topicID *int64) string
	GetModelPreference(chatID int64, topicID *int64) (providerID, modelID string)
}

// Dispatcher handles the fixed set of controller-level slash commands.
type Dispatcher struct {
	manager   Manager
	router    Router
	factories *factory.Registry
	models    ModelCatalog

	defaultProvider string
	defaultModel    string

	clientFor  func(*instance.Instance) *agentclient.Client
	renameTopic func(ctx context.Context, chatID, topicID int64, name string)

	handlers map[string]func(ctx context.Context, args string, chatID int64, topicID *int64) Response
}

// Options configures a new Dispatcher.
type Options struct {
	Manager         Manager
	Router          Router
	Factories       *factory.Registry
	Models          ModelCatalog
	DefaultProvider string
	DefaultModel    string
	ClientFor       func(*instance.Instance) *agentclient.Client
	RenameTopic     func(ctx context.Context, chatID, topicID int64, name string)
}

// New constructs a Dispatcher and wires its command table.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		manager:         opts.Manager,
		router:          opts.Router,
		factories:       opts.Factories,
		models:          opts.Models,
		defaultProvider: opts.DefaultProvider,
		defaultModel:    opts.DefaultModel,
		clientFor:       opts.ClientFor,
		renameTopic:     opts.RenameTopic,
	}
	d.handlers = map[string]func(ctx context.Context, args string, chatID int64, topicID *int64) Response{
		"open":      d.cmdOpen,
		"switch":    d.cmdSwitch,
		"list":      d.cmdList,
		"projects":  d.cmdList,
		"instances": d.cmdList,
		"kill":      d.cmdKill,
		"stop":      d.cmdKill,
		"close":     d.cmdClose,
		"restart":   d.cmdRestart,
		"status":    d.cmdStatus,
		"help":      d.cmdHelp,
		"current":   d.cmdCurrent,
		"threads":   d.cmdThreads,
	}
	return d
}

// InstanceCommands is the fixed set of commands that belong to the
// agent's own command surface and should pass through unmodified
// rather than being intercepted here.
func InstanceCommands() map[string]struct{} {
	names := []string{
		"sessions", "session", "models", "agents", "config",
		"files", "read", "find", "findfile", "find-symbol", "find_symbol",
		"prompt", "shell", "diff", "todo", "fork", "abort", "delete",
		"share", "unshare", "revert", "unrevert", "summarize",
		"info", "messages", "init", "pending", "health",
		"vcs", "lsp", "formatter", "mcp", "dispose", "commands",
		"directory", "project",
	}
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

// Handle processes text as a potential controller command. ok is false
// if text isn't a recognized controller command (not a slash command,
// or an unrecognized one) — the caller should try instance-scope
// handling or plain forwarding instead.
func (d *Dispatcher) Handle(ctx context.Context, text string, chatID int64, topicID *int64) (resp Response, ok bool) {
	cmd, args, ok := ParseCommand(text)
	if !ok {
		return Response{}, false
	}

	handler, known := d.handlers[cmd]
	if !known {
		return Response{}, false
	}
	return handler(ctx, args, chatID, topicID), true
}

// ParseCommand splits a leading "/cmd args" prefix into a lowercased
// command name and its remaining argument text. ok is false when text
// isn't a slash command at all.
func ParseCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}

	body := strings.TrimPrefix(text, "/")
	fields := strings.SplitN(body, " ", 2)
	cmd = strings.ToLower(fields[0])
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	return cmd, args, true
}

var typeFlagPattern = regexp.MustCompile(`--type\s+(\w+)`)

func (d *Dispatcher) cmdOpen(ctx context.Context, args string, chatID int64, topicID *int64) Response {
	if args == "" {
		types := d.factories.Types()
		sort.Strings(types)
		typesStr := "opencode"
		if len(types) > 0 {
			typesStr = strings.Join(types, ", ")
		}
		return text(fmt.Sprintf(
			"Usage: `/open <path>` [--type TYPE]\n\nAvailable types: `%s`\n\n"+
				"Example: `/open ~/projects/my-app`\n"+
				"Example: `/open ~/quant/pipeline --type quantcode`", typesStr))
	}

	instanceType := defaultType
	pathStr := args
	if m := typeFlagPattern.FindStringSubmatch(args); m != nil {
		instanceType = strings.ToLower(m[1])
		pathStr = strings.TrimSpace(typeFlagPattern.ReplaceAllString(args, ""))
	}

	pathFields := strings.Fields(pathStr)
	if len(pathFields) == 0 {
		return text("Please provide a directory path.")
	}

	dir := expandPath(pathFields[0])
	info, err := os.Stat(dir)
	if err != nil {
		return text(fmt.Sprintf("Directory does not exist: `%s`", dir))
	}
	if !info.IsDir() {
		return text(fmt.Sprintf("Not a directory: `%s`", dir))
	}

	if _, ok := d.factories.Get(instanceType); !ok {
		types := strings.Join(d.factories.Types(), ", ")
		return text(fmt.Sprintf("Unknown instance type: `%s`\n\nAvailable types: `%s`", instanceType, types))
	}

	projectName := projectname.Detect(dir)

	inst, errResp := d.getOrSpawn(ctx, dir, instanceType)
	if errResp != "" {
		return text(errResp)
	}

	d.router.SetCurrentInstance(chatID, inst.ID, "", topicID)

	typeLabel := ""
	if instanceType != defaultType {
		typeLabel = fmt.Sprintf(" (%s)", instanceType)
	}

	if topicID != nil {
		d.router.SetTopicInstance(chatID, *topicID, inst.ID)
		d.renameTopicQuiet(ctx, chatID, *topicID, projectName)
		return text(fmt.Sprintf(
			"\U0001F4C1 Connected thread to *%s*%s\n\nPath: `%s`\nInstance: `%s`\n\nSend any message to chat with %s.",
			projectName, typeLabel, dir, inst.ShortID(), title(instanceType)))
	}

	return text(fmt.Sprintf(
		"\U0001F4C1 Opened *%s*%s\n\nPath: `%s`\nInstance: `%s` on port %d\n\nSend any message to chat with %s.",
		projectName, typeLabel, dir, inst.ShortID(), inst.Port, title(instanceType)))
}

// getOrSpawn returns an existing live instance for dir, or spawns one.
// errResp is non-empty on failure and should be shown to the user
// instead of using inst.
func (d *Dispatcher) getOrSpawn(ctx context.Context, dir, instanceType string) (inst *instance.Instance, errResp string) {
	existing := d.manager.GetByDirectory(dir)
	if existing != nil && existing.State.IsAlive() {
		if existing.InstanceType != instanceType {
			return nil, fmt.Sprintf(
				"Instance already running at `%s` with type `%s`.\n\nUse `/kill %s` to stop it first, then open with new type.",
				dir, existing.InstanceType, existing.ShortID())
		}
		return existing, ""
	}

	spawned, err := d.manager.Spawn(ctx, dir, instanceType, projectname.Detect(dir), d.defaultProvider, d.defaultModel, 0)
	if err != nil {
		return nil, fmt.Sprintf("Failed to spawn instance: %s", truncate(err.Error(), 200))
	}
	if !spawned.State.IsAlive() {
		msg := spawned.LastError
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Sprintf("Failed to start instance: %s", msg)
	}
	return spawned, ""
}

func (d *Dispatcher) cmdSwitch(ctx context.Context, args string, chatID int64, topicID *int64) Response {
	if args == "" {
		return d.cmdList(ctx, args, chatID, topicID)
	}

	inst := d.manager.Get(args)
	if inst == nil {
		return text(fmt.Sprintf("Instance `%s` not found.\n\nUse `/list` to see available instances.", args))
	}
	if !inst.State.IsAlive() {
		return text(fmt.Sprintf(
			"Instance `%s` is not running (%s).\n\nUse `/restart %s` to restart it.",
			inst.ShortID(), inst.State, inst.ShortID()))
	}

	d.router.SetCurrentInstance(chatID, inst.ID, "", topicID)
	if topicID != nil {
		d.router.SetTopicInstance(chatID, *topicID, inst.ID)
	}
	return text(fmt.Sprintf("Switched to instance `%s` (%s)", inst.ShortID(), inst.DisplayName))
}

func (d *Dispatcher) cmdList(ctx context.Context, args string, chatID int64, topicID *int64) Response {
	all := d.manager.List()

	var running []*instance.Instance
	var dead []string
	for _, inst := range all {
		switch {
		case !inst.State.IsAlive():
			dead = append(dead, inst.ID)
		default:
			client := d.clientFor(inst)
			probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
			err := client.Health(probeCtx)
			cancel()
			if err != nil {
				dead = append(dead, inst.ID)
				continue
			}
			running = append(running, inst)
		}
	}

	for _, id := range dead {
		d.manager.Remove(id)
		d.router.RemoveInstanceReferences(id)
	}

	if len(running) == 0 {
		return text("No running instances.\n\nUse `/open <path>` to start a new instance.")
	}

	currentID := d.router.CurrentInstanceID(chatID, topicID)

	var keyboard [][]Button
	for _, inst := range running {
		marker := ""
		if inst.ID == currentID {
			marker = " \U0001F448"
		}
		keyboard = append(keyboard, []Button{{
			Text:         fmt.Sprintf("\U0001F7E2 %s - %s%s", inst.ShortID(), inst.DisplayName, marker),
			CallbackData: callback.EncodeInstanceSwitch(inst.ID),
		}})
	}

	currentText := ""
	if currentID != "" {
		if cur := d.manager.Get(currentID); cur != nil && cur.State.IsAlive() {
			currentText = fmt.Sprintf("\nCurrent: `%s` (%s)", cur.ShortID(), cur.DisplayName)
		} else {
			d.router.ClearCurrentInstance(chatID, topicID)
		}
	}

	return Response{
		Text:     fmt.Sprintf("*Projects* (%d)%s\n\nTap to switch:", len(running), currentText),
		Keyboard: keyboard,
	}
}

func (d *Dispatcher) cmdCurrent(ctx context.Context, args string, chatID int64, topicID *int64) Response {
	instanceID := d.router.CurrentInstanceID(chatID, topicID)
	if instanceID == "" {
		return text("No instance selected.\n\nUse `/open <path>` to open a project or `/switch` to select an instance.")
	}
	inst := d.manager.Get(instanceID)
	if inst == nil {
		return text("Current instance no longer exists.\n\nUse `/list` to see available instances.")
	}

	uptime := ""
	if secs := inst.Uptime().Seconds(); secs > 0 {
		uptime = fmt.Sprintf("\nUptime: %d minutes", int(secs/60))
	}

	return text(fmt.Sprintf(
		"*Current Instance*\n\nID: `%s`\nName: %s\nDirectory: `%s`\nPort: %d\nState: %s\nModel: `%s/%s`%s",
		inst.ShortID(), inst.DisplayName, inst.Directory, inst.Port, inst.State, inst.ProviderID, inst.ModelID, uptime))
}

func (d *Dispatcher) cmdClose(ctx context.Context, args string, chatID int64, topicID *int64) Response {
	instanceID := d.router.CurrentInstanceID(chatID, topicID)
	if instanceID == "" {
		return text("No instance selected.\n\nUse `/list` to see running instances.")
	}

	inst := d.manager.Get(instanceID)
	if inst == nil {
		d.router.ClearCurrentInstance(chatID, topicID)
		return text("Instance not found. Cleared reference.")
	}

	displayName, shortID := inst.DisplayName, inst.ShortID()

	if inst.State.IsAlive() {
		if err := d.manager.Stop(ctx, instanceID); err != nil {
			return text(fmt.Sprintf("Failed to stop instance `%s` (%s)", shortID, displayName))
		}
	}

	d.router.ClearCurrentInstance(chatID, topicID)
	if topicID != nil {
		d.router.ClearTopicInstance(chatID, *topicID)
	}

	return text(fmt.Sprintf(
		"Closed instance `%s` (%s)\n\nUse `/open <path>` to start a new instance or `/list` to see running instances.",
		shortID, displayName))
}

func (d *Dispatcher) cmdKill(ctx context.Context, args string, chatID int64, topicID *int64) Response {
	if args == "" {
		instances := d.manager.Running()
		if len(instances) == 0 {
			return text("No running instances to stop.")
		}
		var keyboard [][]Button
		for _, inst := range instances {
			keyboard = append(keyboard, []Button{{
				Text:         fmt.Sprintf("\U0001F5D1️ %s - %s", inst.ShortID(), inst.DisplayName),
				CallbackData: callback.EncodeInstanceKill(inst.ID),
			}})
		}
		return Response{Text: "*Stop Instance*\n\nSelect instance to stop:", Keyboard: keyboard}
	}

	inst := d.manager.Get(args)
	if inst == nil {
		return text(fmt.Sprintf("Instance `%s` not found.", args))
	}
	if !inst.State.IsAlive() {
		return text(fmt.Sprintf("Instance `%s` is already stopped.", inst.ShortID()))
	}

	if err := d.manager.Stop(ctx, inst.ID); err != nil {
		return text(fmt.Sprintf("Failed to stop instance `%s`", inst.ShortID()))
	}
	if d.router.CurrentInstanceID(chatID, topicID) == inst.ID {
		d.router.ClearCurrentInstance(chatID, topicID)
	}
	return text(fmt.Sprintf("Stopped instance `%s` (%s)", inst.ShortID(), inst.DisplayName))
}

func (d *Dispatcher) cmdRestart(ctx context.Context, args string, chatID int64, topicID *int64) Response {
	if args == "" {
		return text("Usage: `/restart <instance_id>`")
	}
	inst := d.manager.Get(args)
	if inst == nil {
		return text(fmt.Sprintf("Instance `%s` not found.", args))
	}

	restarted, err := d.manager.Restart(ctx, inst.ID)
	if err != nil || restarted == nil || !restarted.State.IsAlive() {
		errMsg := "Unknown error"
		if restarted != nil && restarted.LastError != "" {
			errMsg = restarted.LastError
		} else if err != nil {
			errMsg = truncate(err.Error(), 200)
		}
		return text("Failed to restart instance: " + errMsg)
	}
	return text(fmt.Sprintf("Restarted instance `%s` (%s)", restarted.ShortID(), restarted.DisplayName))
}

func (d *Dispatcher) cmdStatus(ctx context.Context, args string, chatID int64, topicID *int64) Response {
	instances := d.manager.List()
	if len(instances) == 0 {
		return text("No instances configured.")
	}

	var lines []string
	lines = append(lines, "*Instance Status*\n")
	var running, stopped, crashed int

	for _, inst := range instances {
		emoji := stateEmoji(inst.State)
		switch inst.State {
		case instance.Running:
			running++
		case instance.Stopped:
			stopped++
		case instance.Crashed:
			crashed++
		}

		uptime := ""
		if secs := inst.Uptime().Seconds(); secs > 0 {
			uptime = fmt.Sprintf(" (%dm)", int(secs/60))
		}

		lines = append(lines, fmt.Sprintf("%s `%s` %s%s", emoji, inst.ShortID(), inst.DisplayName, uptime))
		if inst.LastError != "" {
			lines = append(lines, "   Error: "+truncate(inst.LastError, 50))
		}
	}

	lines = append(lines, fmt.Sprintf("\n\U0001F7E2 Running: %d | ⚫ Stopped: %d | \U0001F534 Crashed: %d", running, stopped, crashed))
	return text(strings.Join(lines, "\n"))
}

func stateEmoji(s instance.State) string {
	switch s {
	case instance.Running:
		return "\U0001F7E2"
	case instance.Starting:
		return "\U0001F7E1"
	case instance.Stopping:
		return "\U0001F7E0"
	case instance.Stopped:
		return "⚫"
	case instance.Crashed:
		return "\U0001F534"
	case instance.Unreachable:
		return "⚪"
	default:
		return "❓"
	}
}

func (d *Dispatcher) cmdThreads(ctx context.Context, args string, chatID int64, topicID *int64) Response {
	topics := d.router.TopicsForChat(chatID)
	if len(topics) == 0 {
		return text("No threads mapped to instances yet.\n\nStart a reply thread and send a message to see the instance picker.")
	}

	sort.Slice(topics, func(i, j int) bool { return topics[i].TopicID < topics[j].TopicID })

	var lines []string
	lines = append(lines, "*Thread Mappings*\n")
	var currentTopic int64 = -1
	if topicID != nil {
		currentTopic = *topicID
	}

	for _, tb := range topics {
		inst := d.manager.Get(tb.InstanceID)
		if inst != nil {
			status := "⚫"
			if inst.State.IsAlive() {
				status = "\U0001F7E2"
			}
			marker := ""
			if tb.TopicID == currentTopic {
				marker = " ← you are here"
			}
			lines = append(lines, fmt.Sprintf("%s Thread `%d`: *%s*%s", status, tb.TopicID, inst.DisplayName, marker))
			lines = append(lines, fmt.Sprintf("   Instance: `%s` | `%s`", inst.ShortID(), filepath.Base(inst.Directory)))
		} else {
			lines = append(lines, fmt.Sprintf("⚪ Thread `%d`: _(instance removed)_", tb.TopicID))
		}
		lines = append(lines, "")
	}

	return text(strings.TrimSpace(strings.Join(lines, "\n")))
}

func (d *Dispatcher) cmdHelp(ctx context.Context, args string, chatID int64, topicID *int64) Response {
	return text(strings.TrimSpace(`
*Telegram Controller*

*Getting Started*
Start a reply thread and send a message - you'll see an instance picker.
Or use ` + "`/open <path>`" + ` to connect the thread to a new project.

*Project Management*
` + "`/open <path>`" + ` - Open project in current thread
` + "`/list`" + ` - List all running instances
` + "`/switch [id]`" + ` - Switch to different instance
` + "`/current`" + ` - Show current instance
` + "`/close`" + ` - Stop current instance
` + "`/kill <id>`" + ` - Stop specific instance
` + "`/status`" + ` - Instance status overview
` + "`/threads`" + ` - List thread-instance mappings

*Session Commands*
` + "`/sessions`" + ` - List sessions
` + "`/session`" + ` - New session
` + "`/models`" + ` - List/set models

*File Commands*
` + "`/files` `/read <path>` `/find <pattern>`" + `

*Other*
` + "`/diff` `/todo` `/pending` `/health`" + `

*Tip:* Each reply thread can be connected to a different project!
	`))
}

func (d *Dispatcher) renameTopicQuiet(ctx context.Context, chatID, topicID int64, name string) {
	if d.renameTopic != nil {
		d.renameTopic(ctx, chatID, topicID, name)
	}
}

func text(s string) Response { return Response{Text: s} }

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
