// Package notify delivers follow-up notices and applies mailbox labels.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"triage_server/pkg/apperr"
)

// SlackNotifier posts notices to one channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
	log     zerolog.Logger
}

// NewSlackNotifier returns a notifier. Extra options such as slack.OptionAPIURL
// are passed to the client.
func NewSlackNotifier(token, channel string, log zerolog.Logger, opts ...slack.Option) (*SlackNotifier, error) {
	if token == "" || channel == "" {
		return nil, apperr.Configuration("slack token and channel are required")
	}
	return &SlackNotifier{
		api:     slack.New(token, opts...),
		channel: channel,
		log:     log.With().Str("component", "slack").Logger(),
	}, nil
}

func (s *SlackNotifier) Notify(ctx context.Context, id, text string) error {
	block := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
		nil,
		nil,
	)
	footer := slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.PlainTextType, "follow-up "+id, false, false),
	)

	_, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(block, footer),
	)
	if err != nil {
		return apperr.API("slack", fmt.Errorf("post to %s: %w", s.channel, err))
	}
	s.log.Debug().Str("item_id", id).Str("ts", ts).Msg("posted notice")
	return nil
}
