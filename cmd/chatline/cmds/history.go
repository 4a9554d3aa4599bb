package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/persistence/chatstore"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newHistoryCommand(state *rootState) *cobra.Command {
	var messageID int64
	var output string
	cmd := &cobra.Command{
		Use:   "history <conversation>",
		Short: "Print the path from the first message to a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := state.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			cp := conversation.Checkpoint{ConversationID: args[0], MessageID: messageID}
			return printHistory(cmd.Context(), store, cp, output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&messageID, "message", 0, "Last message of the path (default: latest)")
	cmd.Flags().StringVar(&output, "output", "text", "Output format: text or yaml")
	return cmd
}

type historyDocument struct {
	Conversation conversation.Conversation `yaml:"conversation"`
	Messages     []conversation.Message    `yaml:"messages"`
}

func printHistory(ctx context.Context, store chatstore.Store, cp conversation.Checkpoint, output string, w io.Writer) error {
	conv, ok, err := store.GetConversation(ctx, cp.ConversationID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("unknown conversation %s", cp.ConversationID)
	}
	path, err := conversation.NewAssembler(store).Path(ctx, cp)
	if err != nil {
		return err
	}

	switch output {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(historyDocument{Conversation: conv, Messages: path}); err != nil {
			return errors.Wrap(err, "encode history")
		}
		return enc.Close()
	case "text":
		if conv.Title != nil {
			_, _ = fmt.Fprintf(w, "# %s\n\n", *conv.Title)
		}
		for _, m := range path {
			_, _ = fmt.Fprintf(w, "[%d] %s: %s\n", m.ID, m.Role, indentContinuation(m.Content))
		}
		return nil
	default:
		return errors.Errorf("unknown output format %q", output)
	}
}

func indentContinuation(s string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n    ")
}
