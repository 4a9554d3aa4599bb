package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/engine"
	"github.com/go-go-golems/chatline/pkg/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
)

const chatHelp = `Commands:
  :goto N   continue from the reply numbered N (branches the conversation)
  :new      start a new conversation
  :list     show numbered replies of this session
  :quit     leave
Press Ctrl-C while a reply is streaming to stop it.`

func newChatCommand(state *rootState) *cobra.Command {
	var conversationID string
	var raw bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with numbered replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a, err := state.open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn().Err(err).Msg("close")
				}
			}()

			// Ctrl-C stops a running reply, and leaves the chat when idle.
			stop := stream.NotifySignals(ctx, a.engine.Controller(), idleCancel(cancel), os.Interrupt)
			defer stop()

			r := &repl{
				e:      a.engine,
				out:    cmd.OutOrStdout(),
				errOut: cmd.ErrOrStderr(),
				cp:     conversation.Checkpoint{ConversationID: conversationID},
				raw:    raw,
			}
			ui := &input.UI{Writer: cmd.ErrOrStderr(), Reader: cmd.InOrStdin()}
			_, _ = fmt.Fprintln(r.errOut, chatHelp)
			return r.loop(ctx, func(prompt string) (string, error) {
				return ui.Ask(prompt, &input.Options{HideOrder: true})
			})
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Resume a conversation from its latest message")
	cmd.Flags().BoolVar(&raw, "raw", false, "Do not render markdown")
	return cmd
}

func idleCancel(cancel context.CancelFunc) func(os.Signal) {
	return func(sig os.Signal) {
		log.Debug().Str("component", "cli").Str("signal", sig.String()).Msg("leaving on signal")
		cancel()
	}
}

// repl keeps the checkpoint the next prompt attaches to.
type repl struct {
	e      *engine.Engine
	out    io.Writer
	errOut io.Writer
	cp     conversation.Checkpoint
	raw    bool
}

func (r *repl) prompt() string {
	return fmt.Sprintf("[%d]>", r.e.Navigation().Len()+1)
}

type readResult struct {
	line string
	err  error
}

// loop reads and handles lines until :quit, end of input or ctx is done. A
// read blocked on the terminal does not keep the loop alive after ctx ends.
func (r *repl) loop(ctx context.Context, readLine func(prompt string) (string, error)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		lines := make(chan readResult, 1)
		go func(prompt string) {
			line, err := readLine(prompt)
			lines <- readResult{line: line, err: err}
		}(r.prompt())

		var line string
		var err error
		select {
		case <-ctx.Done():
			return nil
		case res := <-lines:
			line, err = res.line, res.err
		}
		if err != nil {
			if errors.Is(err, input.ErrInterrupted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		quit, err := r.handle(ctx, line)
		if err != nil {
			printError(r.errOut, err)
		}
		if quit {
			return nil
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, ":") {
		return false, r.ask(ctx, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":q", ":exit":
		return true, nil
	case ":new":
		r.cp = conversation.Checkpoint{}
		_, _ = fmt.Fprintln(r.errOut, "starting a new conversation")
	case ":goto":
		if len(fields) != 2 {
			return false, errors.New("usage: :goto N")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, errors.Errorf("not a reply number: %q", fields[1])
		}
		cp, ok := r.e.Navigation().Get(n)
		if !ok {
			return false, errors.Errorf("no reply numbered %d", n)
		}
		r.cp = cp
		_, _ = fmt.Fprintf(r.errOut, "continuing from [%d]\n", n)
	case ":list":
		nav := r.e.Navigation()
		for i := 1; i <= nav.Len(); i++ {
			cp, _ := nav.Get(i)
			_, _ = fmt.Fprintf(r.out, "[%d] conversation %s message %d\n", i, cp.ConversationID, cp.MessageID)
		}
	case ":help":
		_, _ = fmt.Fprintln(r.errOut, chatHelp)
	default:
		return false, errors.Errorf("unknown command %s", fields[0])
	}
	return false, nil
}

func (r *repl) ask(ctx context.Context, text string) error {
	reply, err := ask(ctx, r.e, engine.AskRequest{Text: text, Checkpoint: r.cp}, true, r.raw, r.out)
	if err != nil {
		return err
	}
	printWarnings(r.errOut, reply.Warnings)
	printFooter(r.errOut, reply)
	if reply.Stored {
		r.cp = reply.Checkpoint
	}
	return nil
}
