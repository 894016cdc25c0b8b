// Package format prepares outgoing chat text for delivery: Telegram's
// legacy Markdown parse mode is used throughout the controller and
// agent prompts/responses, so the dispatcher, forwarder, and pending
// tracker compose their messages with plain `*bold*`/`` `code` ``
// markers directly. This package holds the fallback path for when
// that markup doesn't parse, and ProcessTerminalOutput for cleaning
// carriage returns and backspaces out of terminal output.
package format

import "strings"

// StripMarkdown removes `*`, `_`, and `` ` `` markers, for the
// plain-text retry after Telegram rejects a Markdown-parsed send.
// Agent output frequently contains unbalanced markdown characters
// (an unmatched backtick in a code snippet, a lone underscore in an
// identifier) that the legacy Markdown parser rejects outright; rather
// than trying to repair the markup, the retry just strips it.
func StripMarkdown(text string) string {
	return strings.NewReplacer("*", "", "_", "", "`", "").Replace(text)
}
