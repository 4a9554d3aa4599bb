package engine

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/go-go-golems/chatline/pkg/conversation"
	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	maxTitleRunes    = 80
	maxExcerptRunes  = 1000
	titleInstruction = "Write a short title of at most six words for the conversation below. " +
		"Reply with the title only, without quotes."
)

// generateTitle starts a background task that names the conversation. Tasks
// for the same conversation are collapsed and failures are only logged.
func (e *Engine) generateTitle(convID, userText, assistantText string) {
	e.titleWG.Add(1)
	go func() {
		defer e.titleWG.Done()
		_, err, shared := e.titles.Do(convID, func() (interface{}, error) {
			return nil, e.writeTitle(convID, userText, assistantText)
		})
		if err != nil {
			log.Warn().Err(err).Str("component", "engine").Str("conv_id", convID).Bool("shared", shared).Msg("title generation failed")
		}
	}()
}

func (e *Engine) writeTitle(convID, userText, assistantText string) error {
	ctx, cancel := context.WithTimeout(e.bgCtx, e.cfg.TitleTimeout)
	defer cancel()

	if current, ok, err := e.store.GetTitle(ctx, convID); err != nil {
		return errors.Wrap(err, "title: read current title")
	} else if ok && current != "" {
		return nil
	}

	text, err := stream.Collect(ctx, e.titleTransport, stream.Request{
		Model:    e.cfg.TitleModel,
		Messages: TitlePrompt(userText, assistantText),
	}, e.cfg.TitleTimeout)
	if err != nil {
		return errors.Wrap(err, "title: generate")
	}
	title := CleanTitle(text)
	if title == "" {
		return errors.New("title: model returned an empty title")
	}

	written, err := e.store.SetTitle(ctx, convID, title)
	if err != nil {
		return errors.Wrap(err, "title: store")
	}
	if written {
		log.Info().Str("component", "engine").Str("conv_id", convID).Str("title", title).Msg("conversation titled")
		e.sink.Publish(events.Event{Type: events.TypeTitle, ConversationID: convID, Title: title})
	}
	return nil
}

// TitlePrompt builds the request that asks for a conversation title.
func TitlePrompt(userText, assistantText string) []conversation.ChatMessage {
	var b strings.Builder
	b.WriteString("User: ")
	b.WriteString(excerpt(userText, maxExcerptRunes))
	b.WriteString("\nAssistant: ")
	b.WriteString(excerpt(assistantText, maxExcerptRunes))
	return []conversation.ChatMessage{
		conversation.NewChatMessage(conversation.RoleSystem, titleInstruction),
		conversation.NewChatMessage(conversation.RoleUser, b.String()),
	}
}

// CleanTitle keeps the first non-empty line of a model answer, without
// surrounding quotes or a trailing period.
func CleanTitle(s string) string {
	line := ""
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.TrimPrefix(line, "Title:")
	line = strings.Trim(line, "\"'`*. \t")
	return excerpt(line, maxTitleRunes)
}

func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
