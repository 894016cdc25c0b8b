// Package controller wires the telegram client, command dispatcher,
// callback handler, forwarder, pending-request tracker, and process
// manager into one daemon and runs them until told to stop.
package controller

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telegram-agentctl/controller/internal/callback"
	"github.com/telegram-agentctl/controller/internal/consoleui"
	"github.com/telegram-agentctl/controller/internal/dispatcher"
	"github.com/telegram-agentctl/controller/internal/forwarder"
	"github.com/telegram-agentctl/controller/internal/pending"
	"github.com/telegram-agentctl/controller/internal/processmanager"
	"github.com/telegram-agentctl/controller/internal/telegram"
)

const stopAllTimeout = 20 * time.Second

// Options wires every component the daemon needs.
type Options struct {
	Telegram    *telegram.Client
	Dispatcher  *dispatcher.Dispatcher
	Callback    *callback.Handler
	Forwarder   *forwarder.Forwarder
	Pending     *pending.Tracker
	ProcessMgr  *processmanager.Manager

	StateDir          string
	BotUsername       string
	ReloadedInstances int
}

// Controller runs the daemon's two long-lived loops (telegram polling,
// pending sweep) under a shared context and handles graceful shutdown.
type Controller struct {
	telegram   *telegram.Client
	dispatcher *dispatcher.Dispatcher
	callback   *callback.Handler
	forwarder  *forwarder.Forwarder
	pending    *pending.Tracker
	manager    *processmanager.Manager

	stateDir          string
	botUsername       string
	reloadedInstances int
}

// New constructs a Controller and wires the telegram client's message
// and callback handlers through to the dispatcher/forwarder and
// callback handler, respectively.
func New(opts Options) *Controller {
	c := &Controller{
		telegram:          opts.Telegram,
		dispatcher:        opts.Dispatcher,
		callback:          opts.Callback,
		forwarder:         opts.Forwarder,
		pending:           opts.Pending,
		manager:           opts.ProcessMgr,
		stateDir:          opts.StateDir,
		botUsername:       opts.BotUsername,
		reloadedInstances: opts.ReloadedInstances,
	}

	opts.Telegram.SetHandlers(telegram.Handlers{
		OnMessage:  c.onMessage,
		OnCallback: c.onCallback,
	})

	return c
}

func (c *Controller) onMessage(ctx context.Context, msg telegram.Message) {
	if resp, ok := c.dispatcher.HandleText(ctx, msg.Text, msg.ChatID, msg.TopicID); ok {
		c.deliver(ctx, msg.ChatID, msg.TopicID, resp)
		return
	}
	c.forwarder.Forward(ctx, msg.ChatID, msg.Text, msg.Username, msg.TopicID)
}

func (c *Controller) deliver(ctx context.Context, chatID int64, topicID *int64, resp dispatcher.Response) {
	keyboard := make([][]telegram.Button, len(resp.Keyboard))
	for i, row := range resp.Keyboard {
		btnRow := make([]telegram.Button, len(row))
		for j, b := range row {
			btnRow[j] = telegram.Button{Text: b.Text, CallbackData: b.CallbackData}
		}
		keyboard[i] = btnRow
	}

	var err error
	switch {
	case topicID != nil && len(keyboard) > 0:
		err = c.telegram.SendMessageWithKeyboardToTopic(ctx, chatID, *topicID, resp.Text, keyboard)
	case topicID != nil:
		err = c.telegram.SendMessageToTopic(ctx, chatID, *topicID, resp.Text)
	case len(keyboard) > 0:
		err = c.telegram.SendMessageWithKeyboard(ctx, chatID, resp.Text, keyboard)
	default:
		err = c.telegram.SendMessage(ctx, chatID, resp.Text)
	}
	if err != nil {
		log.Printf("controller: deliver response to chat %d failed: %v", chatID, err)
	}
}

func (c *Controller) onCallback(ctx context.Context, cb telegram.Callback) {
	c.callback.Handle(ctx, callback.Query{
		ID:              cb.ID,
		Data:            cb.Data,
		FromUsername:    cb.FromUsername,
		ChatID:          cb.ChatID,
		MessageID:       cb.MessageID,
		IsForum:         cb.IsForum,
		IsTopicMessage:  cb.IsTopicMessage,
		MessageThreadID: cb.MessageThreadID,
	})
}

// Run starts the process manager's health-check loop, then blocks
// running the telegram polling loop and the pending-request sweep
// until ctx is canceled, returning the first error from either.
func (c *Controller) Run(ctx context.Context) error {
	consoleui.Startup(logWriter{}, c.stateDir, c.botUsername, c.reloadedInstances)

	c.manager.Start(ctx)

	eg, groupCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return c.telegram.Start(groupCtx)
	})
	eg.Go(func() error {
		c.pending.Run(groupCtx)
		return nil
	})

	err := eg.Wait()

	reason := "clean exit"
	if err != nil {
		reason = err.Error()
	} else if ctx.Err() != nil {
		reason = "signal received"
	}
	consoleui.Shutdown(logWriter{}, reason)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
	defer cancel()
	c.manager.StopAll(stopCtx)

	return err
}

// logWriter adapts consoleui's io.Writer banners to the standard
// logger so they land alongside every other [telegram-ctl] line
// instead of going straight to stdout when running as a daemon.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Print(string(p))
	return len(p), nil
}
