// Package telegram delivers outbound messages through the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/switchyardhq/switchyard/internal/channels"
	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/internal/outbound"
)

const (
	// maxMessageLength is the Telegram Bot API text limit per message.
	maxMessageLength = 4096

	// maxCaptionLength is the Telegram Bot API caption limit.
	maxCaptionLength = 1024
)

// Channel delivers outbound messages via the Telegram Bot API.
// It never polls for updates — delivery only.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	config config.TelegramConfig
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", cfg.AllowTo),
		bot:         bot,
		config:      cfg,
	}, nil
}

// Start validates the bot token against the API and marks the channel ready.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", me.Username)
	return nil
}

// Stop marks the channel stopped.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram channel")
	c.SetRunning(false)
	return nil
}

// Send delivers one outbound message, resolving the target chat from the
// message metadata or the configured default chat.
func (c *Channel) Send(ctx context.Context, msg outbound.OutboundMessage) error {
	chatID := msg.Metadata.ChatID
	if chatID == "" {
		chatID = c.config.DefaultChatID
	}
	if chatID == "" {
		return fmt.Errorf("%w: message %s has no chat_id and no default_chat_id is configured",
			channels.ErrNoRecipient, msg.ID)
	}
	if !c.AllowsRecipient(chatID) {
		return fmt.Errorf("%w: chat %s", channels.ErrRecipientNotAllowed, chatID)
	}

	return c.sendContent(ctx, chatRef(chatID), msg, msg.Content, true)
}

// sendContent delivers one content node. Composite parts are sent in order;
// a failed part aborts the remainder so the worker can retry the whole
// message.
func (c *Channel) sendContent(ctx context.Context, chat telego.ChatID, msg outbound.OutboundMessage, content outbound.MessageContent, first bool) error {
	switch v := content.(type) {
	case outbound.TextContent:
		return c.sendText(ctx, chat, msg, v.Text, first)
	case outbound.MediaContent:
		return c.sendMedia(ctx, chat, msg, v, first)
	case outbound.CompositeContent:
		for i, part := range v.Parts {
			if err := c.sendContent(ctx, chat, msg, part, first && i == 0); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("telegram: unsupported content type %T", content)
	}
}

// sendText sends text, splitting into multiple messages over the API limit.
// Reply linkage goes on the first chunk only; thread routing on every chunk.
func (c *Channel) sendText(ctx context.Context, chat telego.ChatID, msg outbound.OutboundMessage, text string, first bool) error {
	for i, chunk := range splitText(text, maxMessageLength) {
		params := tu.Message(chat, chunk)
		c.applyRouting(params, msg, first && i == 0)

		if c.config.LinkPreview != nil && !*c.config.LinkPreview {
			params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
		}

		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// sendMedia uploads a media item as a photo or document, with the caption
// truncated to the API limit. Images are downscaled before upload.
func (c *Channel) sendMedia(ctx context.Context, chat telego.ChatID, msg outbound.OutboundMessage, media outbound.MediaContent, first bool) error {
	path, cleanup, err := channels.FetchMedia(ctx, media.MediaRef, c.config.MediaMaxBytes)
	if err != nil {
		return fmt.Errorf("fetch telegram media: %w", err)
	}
	defer cleanup()

	caption := channels.Truncate(media.Caption, maxCaptionLength)

	if channels.IsImageMIME(media.MIMEType) {
		scaled, scaledCleanup, err := channels.DownscaleImage(path)
		if err != nil {
			return fmt.Errorf("downscale telegram image: %w", err)
		}
		defer scaledCleanup()

		f, err := os.Open(scaled)
		if err != nil {
			return fmt.Errorf("open telegram media: %w", err)
		}
		defer f.Close()

		params := tu.Photo(chat, tu.File(f))
		params.Caption = caption
		if first {
			params.ReplyParameters = replyParams(msg)
		}
		params.MessageThreadID = threadID(msg)

		if _, err := c.bot.SendPhoto(ctx, params); err != nil {
			return fmt.Errorf("send telegram photo: %w", err)
		}
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open telegram media: %w", err)
	}
	defer f.Close()

	params := tu.Document(chat, tu.File(f))
	params.Caption = caption
	if first {
		params.ReplyParameters = replyParams(msg)
	}
	params.MessageThreadID = threadID(msg)

	if _, err := c.bot.SendDocument(ctx, params); err != nil {
		return fmt.Errorf("send telegram document: %w", err)
	}
	return nil
}

// applyRouting sets reply and thread parameters on a text message.
func (c *Channel) applyRouting(params *telego.SendMessageParams, msg outbound.OutboundMessage, withReply bool) {
	if withReply {
		params.ReplyParameters = replyParams(msg)
	}
	params.MessageThreadID = threadID(msg)
}

// replyParams builds reply linkage from metadata, nil when absent or not
// numeric.
func replyParams(msg outbound.OutboundMessage) *telego.ReplyParameters {
	if msg.Metadata.ReplyTo == "" {
		return nil
	}
	id, err := strconv.Atoi(msg.Metadata.ReplyTo)
	if err != nil {
		return nil
	}
	return &telego.ReplyParameters{MessageID: id}
}

// threadID resolves the forum topic from metadata, 0 when absent.
func threadID(msg outbound.OutboundMessage) int {
	if msg.Metadata.ThreadID == "" {
		return 0
	}
	id, err := strconv.Atoi(msg.Metadata.ThreadID)
	if err != nil {
		return 0
	}
	return id
}

// chatRef builds a telego chat reference from a numeric ID or @username.
func chatRef(s string) telego.ChatID {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return tu.ID(id)
	}
	if !strings.HasPrefix(s, "@") {
		s = "@" + s
	}
	return telego.ChatID{Username: s}
}

// splitText splits text into chunks of at most limit bytes, preferring to
// break at a newline past the halfway point and never splitting a UTF-8
// sequence.
func splitText(text string, limit int) []string {
	if text == "" {
		return []string{""}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= limit {
			chunks = append(chunks, text)
			break
		}

		cutAt := limit
		if idx := strings.LastIndexByte(text[:limit], '\n'); idx > limit/2 {
			cutAt = idx + 1
		} else {
			// Back up to a rune boundary for a hard cut.
			for cutAt > 0 && text[cutAt]&0xC0 == 0x80 {
				cutAt--
			}
			if cutAt == 0 {
				cutAt = limit
			}
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
