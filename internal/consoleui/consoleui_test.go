package consoleui

import (
	"bytes"
	"strings"
	"testing"
)

func TestStartupWritesStateDirAndBotUsername(t *testing.T) {
	var buf bytes.Buffer
	Startup(&buf, "/var/lib/telegram-controller", "mybot", 3)

	out := buf.String()
	if !strings.Contains(out, "/var/lib/telegram-controller") {
		t.Fatalf("expected state dir in banner, got %q", out)
	}
	if !strings.Contains(out, "@mybot") {
		t.Fatalf("expected bot username in banner, got %q", out)
	}
	if !strings.Contains(out, "3 reloaded") {
		t.Fatalf("expected instance count in banner, got %q", out)
	}
}

func TestStartupOmitsBotUsernameWhenUnknown(t *testing.T) {
	var buf bytes.Buffer
	Startup(&buf, "/tmp", "", 0)
	if strings.Contains(buf.String(), "bot") {
		t.Fatalf("expected no bot line when username is unknown, got %q", buf.String())
	}
}

func TestShutdownIncludesReason(t *testing.T) {
	var buf bytes.Buffer
	Shutdown(&buf, "SIGTERM")
	if !strings.Contains(buf.String(), "SIGTERM") {
		t.Fatalf("expected reason in shutdown banner, got %q", buf.String())
	}
}

func TestColorEnabledFalseForNonFileWriter(t *testing.T) {
	var buf bytes.Buffer
	if colorEnabled(&buf) {
		t.Fatal("expected a bytes.Buffer to never be treated as a terminal")
	}
}
