package cmds

import (
	"context"

	"github.com/go-go-golems/chatline/pkg/persistence/chatstore"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// ConversationsCommand lists stored conversations as rows, so --output picks
// table, json, yaml or csv.
type ConversationsCommand struct {
	*cmds.CommandDescription
	state *rootState
}

type ConversationsSettings struct {
	Limit int `glazed:"limit"`
}

var _ cmds.GlazeCommand = &ConversationsCommand{}

func NewConversationsCommand(state *rootState) (*ConversationsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"conversations",
		cmds.WithShort("List stored conversations, most recent first"),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(20),
				fields.WithHelp("Maximum number of conversations (0 = store default of 200)"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ConversationsCommand{CommandDescription: desc, state: state}, nil
}

func (c *ConversationsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ConversationsSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := c.state.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	return listConversations(ctx, store, c.state.settings.Owner, s.Limit, func(row types.Row) error {
		return gp.AddRow(ctx, row)
	})
}

func newConversationsCommand(state *rootState) *cobra.Command {
	c, err := NewConversationsCommand(state)
	cobra.CheckErr(err)
	cmd, err := cli.BuildCobraCommand(c)
	cobra.CheckErr(err)
	cmd.Aliases = []string{"ls"}
	return cmd
}

func listConversations(ctx context.Context, store chatstore.Store, owner string, limit int, addRow func(types.Row) error) error {
	convs, err := store.ListConversations(ctx, owner, limit)
	if err != nil {
		return errors.Wrap(err, "list conversations")
	}
	for _, c := range convs {
		title := ""
		if c.Title != nil {
			title = *c.Title
		}
		row := types.NewRow(
			types.MRP("id", c.ID),
			types.MRP("updated_at", c.UpdatedAt.Local().Format("2006-01-02 15:04")),
			types.MRP("model", c.Model),
			types.MRP("title", title),
		)
		if err := addRow(row); err != nil {
			return err
		}
	}
	return nil
}
