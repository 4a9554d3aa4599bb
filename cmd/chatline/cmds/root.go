package cmds

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/chatline/pkg/config"
	"github.com/go-go-golems/chatline/pkg/engine"
	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/logging"
	"github.com/go-go-golems/chatline/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatline/pkg/stream"
	"github.com/go-go-golems/chatline/pkg/tokens"
	"github.com/go-go-golems/chatline/pkg/transport/browser"
	"github.com/go-go-golems/chatline/pkg/transport/direct"
	"github.com/go-go-golems/chatline/pkg/transport/redisqueue"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type rootState struct {
	settings *config.Settings
}

func NewRootCommand() *cobra.Command {
	state := &rootState{}
	rootCmd := &cobra.Command{
		Use:           "chatline",
		Short:         "chatline is a terminal client for conversational models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(viper.New(), cmd.Flags())
			if err != nil {
				return err
			}
			if err := logging.InitLogger(logging.Settings{
				Level:      s.Log.Level,
				Format:     s.Log.Format,
				File:       s.Log.File,
				WithCaller: s.Log.WithCaller,
			}); err != nil {
				return err
			}
			state.settings = s
			return nil
		},
	}
	config.AddFlags(rootCmd.PersistentFlags())

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	rootCmd.AddCommand(
		newAskCommand(state),
		newChatCommand(state),
		newHistoryCommand(state),
		newConversationsCommand(state),
		newTokensCommand(state),
		newEventsCommand(state),
	)
	return rootCmd
}

// app bundles everything a command needs to talk to a model.
type app struct {
	settings *config.Settings
	store    chatstore.Store
	tok      tokens.Tokenizer
	engine   *engine.Engine
	closers  []func() error
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openStore(s *config.Settings) (chatstore.Store, error) {
	switch s.Store.Driver {
	case "memory":
		return chatstore.NewInMemoryStore(), nil
	default:
		if err := os.MkdirAll(filepath.Dir(s.Store.Path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create store directory")
		}
		dsn, err := chatstore.SQLiteDSNForFile(s.Store.Path)
		if err != nil {
			return nil, err
		}
		return chatstore.NewSQLiteStore(dsn)
	}
}

func (r *rootState) openStore() (chatstore.Store, error) {
	return openStore(r.settings)
}

func (r *rootState) tokenizer() (tokens.Tokenizer, error) {
	s := r.settings
	return tokens.ForModel(tokens.Backend(s.Tokenizer.Backend), s.Model, s.Tokenizer.Encoding)
}

func buildTransport(ctx context.Context, s *config.Settings) (stream.Transport, func() error, error) {
	switch s.Transport {
	case "direct":
		return direct.New(direct.Settings{
			BaseURL:      s.OpenAI.BaseURL,
			APIKey:       s.OpenAI.APIKey,
			Organization: s.OpenAI.Organization,
		}), nil, nil
	case "browser":
		t, err := browser.New(ctx, browser.Settings{
			DevtoolsURL:  s.Browser.DevtoolsURL,
			PageURL:      s.Browser.PageURL,
			Endpoint:     s.Browser.Endpoint,
			PollInterval: s.Browser.Poll,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, func() error { t.Shutdown(); return nil }, nil
	case "redis":
		t := redisqueue.New(redisqueue.Settings{
			Addr:         s.Redis.Addr,
			Prefix:       s.Redis.Prefix,
			PollInterval: s.Redis.Poll,
		})
		return t, t.Shutdown, nil
	case "scripted":
		return dryRunTransport(), nil, nil
	default:
		return nil, nil, errors.Errorf("unknown transport %q", s.Transport)
	}
}

// dryRunTransport answers without contacting a provider.
func dryRunTransport() *stream.ScriptedTransport {
	return &stream.ScriptedTransport{Respond: func(req stream.Request) []stream.Step {
		last := ""
		if n := len(req.Messages); n > 0 {
			last = req.Messages[n-1].Content
		}
		words := strings.Fields(fmt.Sprintf("(dry run, %d messages in context) %s", len(req.Messages), last))
		chunks := make([]stream.Chunk, 0, len(words)+1)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			chunks = append(chunks, stream.PartialText(w))
		}
		return stream.Chunks(append(chunks, stream.EndOfStream())...)
	}}
}

func (r *rootState) open(ctx context.Context) (*app, error) {
	s := r.settings
	a := &app{settings: s}

	store, err := r.openStore()
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	tok, err := r.tokenizer()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.tok = tok

	transport, closeTransport, err := buildTransport(ctx, s)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if closeTransport != nil {
		a.closers = append(a.closers, closeTransport)
	}

	var sink events.Sink = events.Discard{}
	if s.Events.RedisEnabled {
		bus, err := events.Build(eventSettings(s))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, bus.Close)
		sink = bus.Sink()
	}

	e, err := engine.New(engine.Config{
		Model:        s.Model,
		Provider:     s.Provider,
		OwnerID:      s.Owner,
		SystemPrompt: s.SystemPrompt,
		Budget:       s.Budget,
		Timeout:      s.Timeout,
		Titles:       s.Title.Enabled,
		TitleModel:   s.TitleModel(),
		TitleTimeout: s.Title.Timeout,
	}, store, tok, transport, engine.WithSink(sink))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.engine = e
	a.closers = append(a.closers, e.Close)

	log.Debug().Str("component", "cli").Str("transport", transport.Name()).
		Str("model", s.Model).Str("tokenizer", tok.Name()).Msg("engine ready")
	return a, nil
}

func eventSettings(s *config.Settings) events.Settings {
	return events.Settings{
		RedisEnabled: s.Events.RedisEnabled,
		Addr:         s.Events.Addr,
		Group:        s.Events.Group,
		Consumer:     s.Events.Consumer,
		Topic:        s.Events.Topic,
	}
}
