package cmds

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type tokenFlags struct {
	backend string
	codec   string
}

func (f *tokenFlags) tokenizer(state *rootState) (tokens.Tokenizer, error) {
	s := state.settings
	backend, codec := s.Tokenizer.Backend, s.Tokenizer.Encoding
	if f.backend != "" {
		backend = f.backend
	}
	if f.codec != "" {
		codec = f.codec
	}
	return tokens.ForModel(tokens.Backend(backend), s.Model, codec)
}

func (f *tokenFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.backend, "backend", "", "Tokenizer backend: tiktoken, weaviate or heuristic")
	cmd.Flags().StringVar(&f.codec, "codec", "", "Encoding (default: derived from --model)")
}

func newTokensCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Count, encode and decode tokens",
	}
	cmd.AddCommand(
		newTokensCountCommand(state),
		newTokensEncodeCommand(state),
		newTokensDecodeCommand(state),
		newTokensContextCommand(state),
	)
	return cmd
}

// readInput reads the named file, stdin for "-" or no argument.
func readInput(args []string, stdin io.Reader) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", errors.Wrap(err, "read stdin")
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", errors.Wrapf(err, "read %s", args[0])
	}
	return string(b), nil
}

func newTokensCountCommand(state *rootState) *cobra.Command {
	flags := &tokenFlags{}
	cmd := &cobra.Command{
		Use:   "count [file]",
		Short: "Count tokens of a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := flags.tokenizer(state)
			if err != nil {
				return err
			}
			text, err := readInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Model: %s\n", state.settings.Model)
			_, _ = fmt.Fprintf(w, "Codec: %s\n", tok.Name())
			_, _ = fmt.Fprintf(w, "Total tokens: %d\n", tok.Count(text))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func codecTokenizer(tok tokens.Tokenizer) (*tokens.CodecTokenizer, error) {
	ct, ok := tok.(*tokens.CodecTokenizer)
	if !ok {
		return nil, errors.Errorf("tokenizer %s cannot encode, use --backend tiktoken", tok.Name())
	}
	return ct, nil
}

func newTokensEncodeCommand(state *rootState) *cobra.Command {
	flags := &tokenFlags{}
	cmd := &cobra.Command{
		Use:   "encode [file]",
		Short: "Print the token ids of a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := flags.tokenizer(state)
			if err != nil {
				return err
			}
			ct, err := codecTokenizer(tok)
			if err != nil {
				return err
			}
			text, err := readInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ids, _, err := ct.Codec().Encode(text)
			if err != nil {
				return errors.Wrap(err, "encode")
			}
			parts := make([]string, len(ids))
			for i, id := range ids {
				parts[i] = strconv.FormatUint(uint64(id), 10)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(parts, " "))
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

// parseTokenIDs parses whitespace separated token ids.
func parseTokenIDs(s string) ([]uint, error) {
	var ids []uint
	for _, t := range strings.Fields(s) {
		id, err := strconv.Atoi(t)
		if err != nil {
			return nil, errors.Errorf("invalid token id: %s", t)
		}
		if id < 0 {
			return nil, errors.Errorf("invalid token id: %d (must be non-negative)", id)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

func newTokensDecodeCommand(state *rootState) *cobra.Command {
	flags := &tokenFlags{}
	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Turn space separated token ids back into text",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := flags.tokenizer(state)
			if err != nil {
				return err
			}
			ct, err := codecTokenizer(tok)
			if err != nil {
				return err
			}
			in, err := readInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ids, err := parseTokenIDs(in)
			if err != nil {
				return err
			}
			text, err := ct.Codec().Decode(ids)
			if err != nil {
				return errors.Wrap(err, "decode")
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func newTokensContextCommand(state *rootState) *cobra.Command {
	flags := &tokenFlags{}
	var messageID int64
	cmd := &cobra.Command{
		Use:   "context <conversation>",
		Short: "Show how much of the token budget a conversation path uses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := flags.tokenizer(state)
			if err != nil {
				return err
			}
			store, err := state.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cp := conversation.Checkpoint{ConversationID: args[0], MessageID: messageID}
			history, err := conversation.NewAssembler(store).History(cmd.Context(), cp)
			if err != nil {
				return err
			}
			budget := state.settings.Budget
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Messages: %d\n", len(history))
			_, _ = fmt.Fprintf(w, "Tokens: %d of %d\n", tokens.Count(history, tok), budget)

			_, trunc, err := tokens.EnforceBudget(history, budget, tok)
			if err != nil {
				_, _ = fmt.Fprintf(w, "Over budget: %v\n", err)
				return nil
			}
			if trunc.Removed > 0 {
				_, _ = fmt.Fprintf(w, "Next request would drop: %s\n", trunc.String())
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().Int64Var(&messageID, "message", 0, "Last message of the path (default: latest)")
	return cmd
}
