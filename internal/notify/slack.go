package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackSink posts notifications to a Slack channel.
type SlackSink struct {
	client  *slack.Client
	channel string
}

// NewSlackSink creates a sink for the given bot token and channel id.
func NewSlackSink(token, channel string) *SlackSink {
	return &SlackSink{client: slack.New(token), channel: channel}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	return nil
}
