// Package consoleui prints the daemon's startup/shutdown banners, the
// only console output besides the [telegram-ctl] log lines. Color is
// used only when the writer passed in is a real terminal.
package consoleui

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func bold(s string, color termenv.Color, enabled bool) string {
	if !enabled {
		return s
	}
	return termenv.String(s).Foreground(color).Bold().String()
}

// Startup renders the daemon's startup banner: state directory, bot
// identity, and how many previously-managed instances were reloaded.
func Startup(w io.Writer, stateDir, botUsername string, reloadedInstances int) {
	enabled := colorEnabled(w)
	profile := termenv.ColorProfile()

	fmt.Fprintln(w, bold("telegram-controller", profile.Color("42"), enabled))
	fmt.Fprintf(w, "  state dir : %s\n", stateDir)
	if botUsername != "" {
		fmt.Fprintf(w, "  bot       : @%s\n", botUsername)
	}
	fmt.Fprintf(w, "  instances : %d reloaded\n", reloadedInstances)
}

// Shutdown renders the shutdown banner with the reason the daemon is
// stopping ("clean exit", "signal received", or an error's text).
func Shutdown(w io.Writer, reason string) {
	enabled := colorEnabled(w)
	profile := termenv.ColorProfile()
	fmt.Fprintln(w, bold(fmt.Sprintf("telegram-controller: stopping (%s)", reason), profile.Color("208"), enabled))
}
