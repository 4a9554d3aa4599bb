package cmds

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/chatline/pkg/config"
	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/engine"
	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatline/pkg/tokens"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newTestEngine(t *testing.T, store chatstore.Store) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Config{Model: "test-model", SystemPrompt: "sys", Budget: 4096},
		store, tokens.Heuristic{}, dryRunTransport())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestRepl_AskGotoAndQuit(t *testing.T) {
	e := newTestEngine(t, chatstore.NewInMemoryStore())
	var out, errOut bytes.Buffer
	r := &repl{e: e, out: &out, errOut: &errOut, raw: true}
	ctx := context.Background()

	require.Equal(t, "[1]>", r.prompt())
	quit, err := r.handle(ctx, "hello")
	require.NoError(t, err)
	require.False(t, quit)
	require.Contains(t, out.String(), "(dry run, 2 messages in context) hello")
	require.Equal(t, "[2]>", r.prompt())

	_, err = r.handle(ctx, "again")
	require.NoError(t, err)
	require.Contains(t, out.String(), "(dry run, 4 messages in context) again")

	_, err = r.handle(ctx, ":goto 1")
	require.NoError(t, err)
	first, ok := e.Navigation().Get(1)
	require.True(t, ok)
	require.Equal(t, first, r.cp)

	out.Reset()
	_, err = r.handle(ctx, "branch")
	require.NoError(t, err)
	require.Contains(t, out.String(), "(dry run, 4 messages in context) branch")
	require.Equal(t, 3, e.Navigation().Len())

	_, err = r.handle(ctx, ":new")
	require.NoError(t, err)
	require.True(t, r.cp.IsNew())

	_, err = r.handle(ctx, ":goto 9")
	require.Error(t, err)
	_, err = r.handle(ctx, ":goto x")
	require.Error(t, err)
	_, err = r.handle(ctx, ":bogus")
	require.Error(t, err)

	quit, err = r.handle(ctx, ":quit")
	require.NoError(t, err)
	require.True(t, quit)
}

func TestRepl_LoopStopsAtEOF(t *testing.T) {
	e := newTestEngine(t, chatstore.NewInMemoryStore())
	var out, errOut bytes.Buffer
	r := &repl{e: e, out: &out, errOut: &errOut, raw: true}

	lines := []string{"one", "", ":nope", "two"}
	err := r.loop(context.Background(), func(string) (string, error) {
		if len(lines) == 0 {
			return "", io.EOF
		}
		l := lines[0]
		lines = lines[1:]
		return l, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, e.Navigation().Len())
	require.Contains(t, errOut.String(), "unknown command :nope")
}

func TestRepl_IdleSignalLeavesBlockedPrompt(t *testing.T) {
	e := newTestEngine(t, chatstore.NewInMemoryStore())
	var out, errOut bytes.Buffer
	r := &repl{e: e, out: &out, errOut: &errOut, raw: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prompted := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	done := make(chan error, 1)
	go func() {
		done <- r.loop(ctx, func(string) (string, error) {
			close(prompted)
			<-release
			return "", io.EOF
		})
	}()

	<-prompted
	// No session is running, so the signal goes to the idle handler.
	require.False(t, e.Interrupt())
	idleCancel(cancel)(os.Interrupt)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("chat loop did not stop on idle interrupt")
	}
}

func TestAsk_NonStreamingRendersFinishedReply(t *testing.T) {
	e := newTestEngine(t, chatstore.NewInMemoryStore())
	var out bytes.Buffer
	reply, err := ask(context.Background(), e, engine.AskRequest{Text: "hi"}, false, true, &out)
	require.NoError(t, err)
	require.True(t, reply.Stored)
	require.Equal(t, reply.Output()+"\n", out.String())
}

func TestPrintHistory(t *testing.T) {
	store := chatstore.NewInMemoryStore()
	e := newTestEngine(t, store)
	ctx := context.Background()
	reply, err := e.Ask(ctx, engine.AskRequest{Text: "line one\nline two"})
	require.NoError(t, err)

	var text bytes.Buffer
	cp := conversation.Checkpoint{ConversationID: reply.ConversationID}
	require.NoError(t, printHistory(ctx, store, cp, "text", &text))
	require.Contains(t, text.String(), "system: sys\n")
	require.Contains(t, text.String(), "user: line one\n    line two\n")

	var y bytes.Buffer
	require.NoError(t, printHistory(ctx, store, cp, "yaml", &y))
	var doc historyDocument
	require.NoError(t, yaml.Unmarshal(y.Bytes(), &doc))
	require.Equal(t, reply.ConversationID, doc.Conversation.ID)
	require.Len(t, doc.Messages, 3)
	require.Equal(t, conversation.RoleAssistant, doc.Messages[2].Role)

	require.Error(t, printHistory(ctx, store, cp, "xml", &y))
	require.Error(t, printHistory(ctx, store, conversation.Checkpoint{ConversationID: "missing"}, "text", &y))
}

func TestListConversations(t *testing.T) {
	store := chatstore.NewInMemoryStore()
	ctx := context.Background()
	c, err := store.CreateConversation(ctx, "me", "m1", "p")
	require.NoError(t, err)
	_, err = store.CreateConversation(ctx, "someone-else", "m2", "p")
	require.NoError(t, err)
	_, err = store.SetTitle(ctx, c.ID, "Greetings")
	require.NoError(t, err)

	var rows []types.Row
	require.NoError(t, listConversations(ctx, store, "me", 10, func(row types.Row) error {
		rows = append(rows, row)
		return nil
	}))
	require.Len(t, rows, 1)
	id, ok := rows[0].Get("id")
	require.True(t, ok)
	require.Equal(t, c.ID, id)
	title, _ := rows[0].Get("title")
	require.Equal(t, "Greetings", title)
	model, _ := rows[0].Get("model")
	require.Equal(t, "m1", model)

	failing := errors.New("sink closed")
	err = listConversations(ctx, store, "me", 10, func(types.Row) error { return failing })
	require.ErrorIs(t, err, failing)
}

func TestConversationsCommand_BuildsGlazedFlags(t *testing.T) {
	cmd := newConversationsCommand(&rootState{})
	require.Equal(t, "conversations", cmd.Name())
	require.Contains(t, cmd.Aliases, "ls")
	require.NotNil(t, cmd.Flags().Lookup("limit"))
	require.NotNil(t, cmd.Flags().Lookup("output"))
}

func TestParseTokenIDs(t *testing.T) {
	ids, err := parseTokenIDs(" 1 2\n30 ")
	require.NoError(t, err)
	require.Equal(t, []uint{1, 2, 30}, ids)

	_, err = parseTokenIDs("1 x")
	require.Error(t, err)
	_, err = parseTokenIDs("-4")
	require.Error(t, err)
}

func TestReadPrompt(t *testing.T) {
	p, err := readPrompt([]string{"a", "b"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	require.Equal(t, "a b", p)

	p, err = readPrompt(nil, strings.NewReader("  from stdin\n"))
	require.NoError(t, err)
	require.Equal(t, "from stdin", p)
}

func TestPrintEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var out bytes.Buffer
	printEvent(&out, events.Event{Type: events.TypeTitle, ConversationID: "c1", Title: "Hi", At: at}, false)
	require.Contains(t, out.String(), `conversation.title conv=c1 "Hi"`)

	out.Reset()
	printEvent(&out, events.Event{Type: events.TypePersisted, ConversationID: "c1", MessageID: 7, At: at}, true)
	require.Contains(t, out.String(), `"message_id":7`)
}

func TestBuildTransport(t *testing.T) {
	s := &config.Settings{Transport: "scripted"}
	tr, closer, err := buildTransport(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, closer)
	require.Equal(t, "scripted", tr.Name())

	s.Transport = "direct"
	tr, _, err = buildTransport(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, "direct", tr.Name())

	s.Transport = "carrier-pigeon"
	_, _, err = buildTransport(context.Background(), s)
	require.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	s := &config.Settings{Store: config.StoreSettings{Driver: "memory"}}
	store, err := openStore(s)
	require.NoError(t, err)
	require.IsType(t, &chatstore.InMemoryStore{}, store)

	s.Store = config.StoreSettings{Driver: "sqlite", Path: t.TempDir() + "/nested/history.db"}
	store, err = openStore(s)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	_, err = store.CreateConversation(context.Background(), "me", "m", "p")
	require.NoError(t, err)
}
