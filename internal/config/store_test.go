package config

import (
	"path/filepath"
	"testing"
)

func TestNewStoreWritesDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("TELEGRAM_FAVOURITE_MODELS", "anthropic/claude-sonnet,openai/gpt-4o")
	t.Setenv("TELEGRAM_DEFAULT_PROVIDER", "anthropic")
	t.Setenv("TELEGRAM_DEFAULT_MODEL", "claude-sonnet")

	path := filepath.Join(t.TempDir(), "config.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	got := s.Get()
	if got.DefaultProvider != "anthropic" || got.DefaultModel != "claude-sonnet" {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if len(got.FavouriteModels) != 2 {
		t.Fatalf("expected 2 favourite models, got %d", len(got.FavouriteModels))
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Get().DefaultProvider != "anthropic" {
		t.Fatalf("expected reload from disk to preserve settings, got %+v", reloaded.Get())
	}
}

func TestStoreUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := s.Update(func(settings *Settings) {
		settings.AutoRestartBudget = 7
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Get().AutoRestartBudget != 7 {
		t.Fatalf("expected persisted budget 7, got %d", reloaded.Get().AutoRestartBudget)
	}
}

func TestParseFavouritesSkipsMalformedPairs(t *testing.T) {
	got := parseFavourites("anthropic/claude, openai/gpt-4o,malformed,,")
	if len(got) != 2 {
		t.Fatalf("expected 2 valid pairs, got %d: %+v", len(got), got)
	}
	if got[0].Provider != "anthropic" || got[0].Model != "claude" {
		t.Fatalf("unexpected first pair: %+v", got[0])
	}
}
