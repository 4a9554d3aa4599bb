package cmds

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newEventsCommand(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event stream published by other chatline processes",
	}

	var asJSON bool
	follow := &cobra.Command{
		Use:   "follow",
		Short: "Print session, delta, persistence and title events as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := state.settings
			if !s.Events.RedisEnabled {
				return errors.New("events.redis-enabled is off, there is nothing to follow")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			if err := events.EnsureGroupAtTail(ctx, s.Events.Addr, s.Events.Topic, s.Events.Group); err != nil {
				return err
			}
			bus, err := events.Build(eventSettings(s))
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close() }()

			w := cmd.OutOrStdout()
			return bus.Follow(ctx, func(ev events.Event) {
				printEvent(w, ev, asJSON)
			})
		},
	}
	follow.Flags().BoolVar(&asJSON, "json", false, "Print one JSON document per event")
	cmd.AddCommand(follow)
	return cmd
}

func printEvent(w io.Writer, ev events.Event, asJSON bool) {
	if asJSON {
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = fmt.Fprintln(w, string(b))
		}
		return
	}
	ts := ev.At.Local().Format("15:04:05.000")
	switch ev.Type {
	case events.TypeSessionState:
		_, _ = fmt.Fprintf(w, "%s %s session=%s state=%s\n", ts, ev.Type, ev.SessionID, ev.State)
	case events.TypeDelta:
		_, _ = fmt.Fprintf(w, "%s %s conv=%s %q\n", ts, ev.Type, ev.ConversationID, ev.Delta)
	case events.TypePersisted:
		_, _ = fmt.Fprintf(w, "%s %s conv=%s message=%d\n", ts, ev.Type, ev.ConversationID, ev.MessageID)
	case events.TypeTitle:
		_, _ = fmt.Fprintf(w, "%s %s conv=%s %q\n", ts, ev.Type, ev.ConversationID, ev.Title)
	default:
		_, _ = fmt.Fprintf(w, "%s %s\n", ts, ev.Type)
	}
}
