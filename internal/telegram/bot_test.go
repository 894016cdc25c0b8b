package telegram

import (
	"strings"
	"testing"
)

func TestTruncateAt4000WithMarker(t *testing.T) {
	long := strings.Repeat("a", 5000)
	got := Truncate(long)

	if len(got) > maxMessageLength {
		t.Fatalf("truncated text length %d exceeds budget %d", len(got), maxMessageLength)
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Fatalf("expected truncated text to end with marker, got suffix %q", got[len(got)-30:])
	}
}

func TestTruncateLeavesShortTextUntouched(t *testing.T) {
	short := "hello world"
	if got := Truncate(short); got != short {
		t.Fatalf("expected short text unchanged, got %q", got)
	}
}

func TestTruncateAtExactBoundary(t *testing.T) {
	exact := strings.Repeat("b", maxMessageLength)
	if got := Truncate(exact); got != exact {
		t.Fatalf("expected text exactly at budget to be unchanged, got length %d", len(got))
	}
}

func TestKeyboardMarkupBuildsRowsAndButtons(t *testing.T) {
	buttons := [][]Button{
		{{Text: "A", CallbackData: "a"}, {Text: "B", CallbackData: "b"}},
		{{Text: "C", CallbackData: "c"}},
	}
	markup := keyboardMarkup(buttons)
	if markup == nil {
		t.Fatal("expected non-nil markup")
	}
	if len(markup.InlineKeyboard) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(markup.InlineKeyboard))
	}
	if len(markup.InlineKeyboard[0]) != 2 || len(markup.InlineKeyboard[1]) != 1 {
		t.Fatalf("unexpected row shapes: %v", markup.InlineKeyboard)
	}
	if markup.InlineKeyboard[0][0].Text != "A" || markup.InlineKeyboard[0][0].CallbackData != "a" {
		t.Fatalf("unexpected button: %+v", markup.InlineKeyboard[0][0])
	}
}

func TestKeyboardMarkupNilForEmpty(t *testing.T) {
	if markup := keyboardMarkup(nil); markup != nil {
		t.Fatalf("expected nil markup for empty keyboard, got %+v", markup)
	}
}

func TestIsAllowedWithNoRestrictions(t *testing.T) {
	c := &Client{allowedUserIDs: map[int64]bool{}}
	if !c.isAllowed(12345, 67890) {
		t.Fatal("expected empty allow-list to permit everyone")
	}
}

func TestIsAllowedRestrictsToList(t *testing.T) {
	c := &Client{allowedUserIDs: map[int64]bool{42: true}}
	if !c.isAllowed(42, 99) {
		t.Fatal("expected allowed user id to pass")
	}
	if c.isAllowed(7, 99) {
		t.Fatal("expected non-allowed user id to be rejected")
	}
}
