package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchyardhq/switchyard/internal/config"
	"github.com/switchyardhq/switchyard/pkg/client"
	"github.com/switchyardhq/switchyard/pkg/protocol"
)

// resolveGateway derives the gateway base URL and token for client commands:
// explicit flag, then environment, then the configured listen address.
func resolveGateway(gatewayURL string) (url, token string, err error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", "", fmt.Errorf("load config: %w", err)
	}
	snap := cfg.Snapshot()

	url = gatewayURL
	if url == "" {
		url = os.Getenv("SWITCHYARD_GATEWAY_URL")
	}
	if url == "" {
		host := snap.Gateway.Host
		if host == "0.0.0.0" || host == "" {
			host = "127.0.0.1"
		}
		url = fmt.Sprintf("http://%s:%d", host, snap.Gateway.Port)
	}
	return url, snap.Gateway.Token, nil
}

func sendCmd() *cobra.Command {
	var (
		gatewayURL string
		chatID     string
		recipient  string
		mediaRef   string
		caption    string
		ttl        time.Duration
		idemKey    string
		wait       bool
		waitFor    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <channel> [text...]",
		Short: "Enqueue a message through a running gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := args[0]
			text := strings.Join(args[1:], " ")
			if text == "" && mediaRef == "" {
				return fmt.Errorf("nothing to send: provide text or --media")
			}

			url, token, err := resolveGateway(gatewayURL)
			if err != nil {
				return err
			}
			c := client.New(url, client.WithToken(token))

			var content json.RawMessage
			if mediaRef != "" {
				content, _ = json.Marshal(map[string]string{
					"type": "media", "media_ref": mediaRef, "caption": caption,
				})
			} else {
				content, _ = json.Marshal(map[string]string{"type": "text", "text": text})
			}

			req := protocol.EnqueueRequest{
				ChannelID: channel,
				Content:   content,
				Context:   &protocol.DeliveryContext{Source: "cli"},
			}
			if chatID != "" || recipient != "" || ttl > 0 {
				req.Metadata = &protocol.Metadata{
					ChatID:      chatID,
					RecipientID: recipient,
					TTLMillis:   ttl.Milliseconds(),
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()

			// Open the event stream before enqueuing so the terminal event
			// cannot slip past between the two calls.
			var stream *client.EventStream
			if wait {
				stream, err = c.Events(ctx)
				if err != nil {
					return err
				}
				defer stream.Close()
			}

			resp, err := c.Enqueue(ctx, req, idemKey)
			if err != nil {
				return err
			}
			fmt.Printf("message %s %s", resp.MessageID, resp.Status)
			if resp.QueuePosition != nil {
				fmt.Printf(" (position %d)", *resp.QueuePosition)
			}
			fmt.Println()

			if !wait {
				return nil
			}
			return waitForOutcome(ctx, stream, resp.MessageID)
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "gateway base URL (default: $SWITCHYARD_GATEWAY_URL or the configured listen address)")
	cmd.Flags().StringVar(&chatID, "chat", "", "target chat/room id")
	cmd.Flags().StringVar(&recipient, "to", "", "target recipient id")
	cmd.Flags().StringVar(&mediaRef, "media", "", "media URL or file path to send instead of text")
	cmd.Flags().StringVar(&caption, "caption", "", "caption for --media")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "drop the message if not delivered within this duration")
	cmd.Flags().StringVar(&idemKey, "key", "", "idempotency key (safe resubmission)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the delivery outcome")
	cmd.Flags().DurationVar(&waitFor, "timeout", time.Minute, "overall timeout")

	return cmd
}

// waitForOutcome follows the event stream until id reaches a terminal status.
func waitForOutcome(ctx context.Context, stream *client.EventStream, id string) error {
	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("event stream: %w", err)
		}
		if !strings.HasPrefix(frame.Type, protocol.MessageEventPrefix) {
			continue
		}
		var evt protocol.MessageEvent
		if err := json.Unmarshal(frame.Payload, &evt); err != nil || evt.MessageID != id {
			continue
		}
		switch frame.Type {
		case protocol.EventMessageSent:
			fmt.Printf("delivered after %d attempt(s)\n", evt.Attempts)
			return nil
		case protocol.EventMessageFailed, protocol.EventMessageCancelled, protocol.EventMessageExpired:
			return fmt.Errorf("delivery ended %s: %s", evt.Status, evt.Error)
		case protocol.EventMessageRetrying:
			fmt.Printf("attempt %d failed (%s), retrying\n", evt.Attempts, evt.Error)
		}
	}
}
