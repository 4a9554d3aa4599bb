package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/chatline/pkg/engine"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

var (
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 100
	}
	return w
}

// renderMarkdown styles text for a terminal. Raw output and pipes get the text
// unchanged.
func renderMarkdown(text string, raw bool) string {
	if raw || !stdoutIsTerminal() {
		return text
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(terminalWidth()-4),
	)
	if err != nil {
		log.Debug().Err(err).Msg("could not build markdown renderer")
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		log.Debug().Err(err).Msg("could not render markdown")
		return text
	}
	return out
}

func printWarnings(w io.Writer, warnings []string) {
	for _, warning := range warnings {
		_, _ = fmt.Fprintln(w, warningStyle.Render("warning: "+warning))
	}
}

func printFooter(w io.Writer, reply *engine.Reply) {
	if reply == nil || !reply.Stored {
		return
	}
	parts := []string{
		fmt.Sprintf("[%d]", reply.Counter),
		"conversation " + reply.ConversationID,
		fmt.Sprintf("message %d", reply.AssistantMessage.ID),
	}
	if reply.Stopped {
		parts = append(parts, "stopped")
	}
	_, _ = fmt.Fprintln(w, footerStyle.Render(strings.Join(parts, "  ")))
}

func printError(w io.Writer, err error) {
	_, _ = fmt.Fprintln(w, errorStyle.Render("error: "+err.Error()))
}
