package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/engine"
	"github.com/go-go-golems/chatline/pkg/stream"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type askFlags struct {
	conversationID string
	messageID      int64
	stream         bool
	copy           bool
	raw            bool
}

func newAskCommand(state *rootState) *cobra.Command {
	flags := &askFlags{}
	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Send one prompt and print the reply",
		Long: "Send one prompt and print the reply. Without arguments the prompt is read from stdin.\n" +
			"Pass --conversation (and optionally --message) to continue or branch an existing conversation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runAsk(cmd.Context(), state, flags, prompt, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&flags.conversationID, "conversation", "", "Conversation to continue")
	cmd.Flags().Int64Var(&flags.messageID, "message", 0, "Message to attach to (default: latest)")
	cmd.Flags().BoolVar(&flags.stream, "stream", true, "Print the reply while it is generated")
	cmd.Flags().BoolVar(&flags.copy, "copy", false, "Copy the reply to the clipboard")
	cmd.Flags().BoolVar(&flags.raw, "raw", false, "Do not render markdown")
	return cmd
}

func readPrompt(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return "", errors.New("no prompt given")
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", errors.Wrap(err, "read prompt from stdin")
	}
	return strings.TrimSpace(string(b)), nil
}

func runAsk(ctx context.Context, state *rootState, flags *askFlags, prompt string, out, errOut io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
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

	stop := stream.NotifySignals(ctx, a.engine.Controller(), idleCancel(cancel), os.Interrupt)
	defer stop()

	req := engine.AskRequest{
		Text: prompt,
		Checkpoint: conversation.Checkpoint{
			ConversationID: flags.conversationID,
			MessageID:      flags.messageID,
		},
	}
	reply, err := ask(ctx, a.engine, req, flags.stream, flags.raw, out)
	if err != nil {
		return err
	}

	printWarnings(errOut, reply.Warnings)
	printFooter(errOut, reply)
	if flags.copy {
		if err := clipboard.WriteAll(reply.Output()); err != nil {
			return errors.Wrap(err, "copy reply to clipboard")
		}
	}
	return nil
}

// ask runs one exchange and writes its output. Streamed output is written as
// it arrives; otherwise the finished reply is rendered.
func ask(ctx context.Context, e *engine.Engine, req engine.AskRequest, streamed bool, raw bool, out io.Writer) (*engine.Reply, error) {
	if !streamed {
		reply, err := e.Ask(ctx, req)
		if err != nil {
			return nil, err
		}
		_, _ = fmt.Fprintln(out, renderMarkdown(reply.Output(), raw))
		return reply, nil
	}

	sr, err := e.AskStreaming(ctx, req)
	if err != nil {
		return nil, err
	}
	for d := range sr.Deltas() {
		_, _ = io.WriteString(out, d)
	}
	reply, err := sr.Wait()
	_, _ = fmt.Fprintln(out)
	return reply, err
}
