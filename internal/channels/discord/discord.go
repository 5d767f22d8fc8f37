// Package discord delivers outbound messages through the Discord Bot API.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"github.com/switchyardhq/switchyard/internal/channels"
	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/internal/outbound"
)

const (
	// maxMessageLength is the Discord content limit per message.
	maxMessageLength = 2000

	// maxUploadBytes is a conservative attachment cap for bot uploads.
	maxUploadBytes = 8 << 20
)

// Channel delivers outbound messages via the Discord Bot API.
type Channel struct {
	*channels.BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	// Delivery only, no message intents.
	session.Identify.Intents = discordgo.IntentsGuilds

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", cfg.AllowTo),
		session:     session,
		config:      cfg,
	}, nil
}

// Start opens the Discord gateway connection.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)

	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers one outbound message, resolving the target channel from the
// message metadata or the configured default channel.
func (c *Channel) Send(ctx context.Context, msg outbound.OutboundMessage) error {
	channelID := msg.Metadata.ChatID
	if channelID == "" {
		channelID = c.config.DefaultChannelID
	}
	if channelID == "" {
		return fmt.Errorf("%w: message %s has no chat_id and no default_channel_id is configured",
			channels.ErrNoRecipient, msg.ID)
	}
	if !c.AllowsRecipient(channelID) {
		return fmt.Errorf("%w: channel %s", channels.ErrRecipientNotAllowed, channelID)
	}

	return c.sendContent(ctx, channelID, msg, msg.Content, true)
}

// sendContent delivers one content node. Composite parts are sent in order; a
// failed part aborts the remainder so the worker can retry the whole message.
func (c *Channel) sendContent(ctx context.Context, channelID string, msg outbound.OutboundMessage, content outbound.MessageContent, first bool) error {
	switch v := content.(type) {
	case outbound.TextContent:
		return c.sendChunked(ctx, channelID, msg, v.Text, first)
	case outbound.MediaContent:
		return c.sendMedia(ctx, channelID, msg, v, first)
	case outbound.CompositeContent:
		for i, part := range v.Parts {
			if err := c.sendContent(ctx, channelID, msg, part, first && i == 0); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("discord: unsupported content type %T", content)
	}
}

// sendChunked sends a message, splitting into multiple messages if over 2000
// chars. Reply linkage goes on the first chunk only.
func (c *Channel) sendChunked(ctx context.Context, channelID string, msg outbound.OutboundMessage, content string, first bool) error {
	const maxLen = maxMessageLength

	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			// Try to break at a newline
			cutAt := maxLen
			if idx := lastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		var err error
		if ref := c.replyReference(channelID, msg); first && ref != nil {
			_, err = c.session.ChannelMessageSendReply(channelID, chunk, ref, discordgo.WithContext(ctx))
		} else {
			_, err = c.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx))
		}
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		first = false
	}
	return nil
}

// sendMedia uploads a media item as an attachment with an optional caption.
func (c *Channel) sendMedia(ctx context.Context, channelID string, msg outbound.OutboundMessage, media outbound.MediaContent, first bool) error {
	path, cleanup, err := channels.FetchMedia(ctx, media.MediaRef, maxUploadBytes)
	if err != nil {
		return fmt.Errorf("fetch discord media: %w", err)
	}
	defer cleanup()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open discord media: %w", err)
	}
	defer f.Close()

	send := &discordgo.MessageSend{
		Content: channels.Truncate(media.Caption, maxMessageLength),
		Files: []*discordgo.File{{
			Name:        filepath.Base(path),
			ContentType: media.MIMEType,
			Reader:      f,
		}},
	}
	if first {
		send.Reference = c.replyReference(channelID, msg)
	}

	if _, err := c.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send discord attachment: %w", err)
	}
	return nil
}

// replyReference builds reply linkage from metadata, nil when absent.
func (c *Channel) replyReference(channelID string, msg outbound.OutboundMessage) *discordgo.MessageReference {
	if msg.Metadata.ReplyTo == "" {
		return nil
	}
	return &discordgo.MessageReference{
		MessageID: msg.Metadata.ReplyTo,
		ChannelID: channelID,
	}
}

// lastIndexByte returns the last index of byte c in s, or -1.
func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
