package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// DiscordSink posts notifications to a Discord channel.
type DiscordSink struct {
	session *discordgo.Session
	channel string
}

// NewDiscordSink creates a sink for the given bot token and channel id. The
// session is REST-only; no gateway connection is opened.
func NewDiscordSink(token, channel string) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordSink{session: session, channel: channel}, nil
}

func (d *DiscordSink) Name() string { return "discord" }

func (d *DiscordSink) Send(ctx context.Context, text string) error {
	_, err := d.session.ChannelMessageSend(d.channel, text,
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("post discord message: %w", err)
	}
	return nil
}
