// Package browser opens an instance's web UI in a local Chrome window
// the first time a chat talks to it, using chromedp instead of shelling
// out to "open"/"xdg-open" so the behavior is the same on every
// platform the controller runs on.
package browser

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

const navigateTimeout = 15 * time.Second

// Manager launches best-effort browser windows. A failure to open one
// is never fatal to the caller; instances work over the Telegram chat
// regardless of whether a browser tab is showing their UI.
type Manager struct {
	remoteURL string // non-empty connects to an existing Chrome over CDP instead of spawning one
}

// New constructs a Manager. remoteURL, if set, is a "ws://host:port"
// DevTools endpoint to reuse instead of spawning a fresh browser
// process per Open call.
func New(remoteURL string) *Manager {
	return &Manager{remoteURL: remoteURL}
}

// Open best-effort navigates a (new or reused) visible Chrome window to
// url. Errors are non-fatal - callers log and move on.
func (m *Manager) Open(ctx context.Context, url string) error {
	var allocatorCtx context.Context
	var cancel context.CancelFunc

	if m.remoteURL != "" {
		allocatorCtx, cancel = chromedp.NewRemoteAllocator(ctx, m.remoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", false),
			chromedp.Flag("new-window", true),
		)
		allocatorCtx, cancel = chromedp.NewExecAllocator(ctx, opts...)
	}
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocatorCtx)
	defer cancel()

	timeoutCtx, cancel := context.WithTimeout(browserCtx, navigateTimeout)
	defer cancel()

	return chromedp.Run(timeoutCtx, chromedp.Navigate(url))
}
