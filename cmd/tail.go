package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchyardhq/switchyard/pkg/client"
	"github.com/switchyardhq/switchyard/pkg/protocol"
)

func tailCmd() *cobra.Command {
	var (
		gatewayURL string
		channel    string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream delivery events from a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, token, err := resolveGateway(gatewayURL)
			if err != nil {
				return err
			}
			c := client.New(url, client.WithToken(token))

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			stream, err := c.Events(ctx)
			if err != nil {
				return err
			}
			defer stream.Close()

			fmt.Fprintf(os.Stderr, "streaming events from %s (ctrl-c to stop)\n", url)
			for {
				frame, err := stream.Next(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("event stream: %w", err)
				}
				printEvent(frame, channel)
			}
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "gateway base URL (default: $SWITCHYARD_GATEWAY_URL or the configured listen address)")
	cmd.Flags().StringVar(&channel, "channel", "", "only show events for this channel")

	return cmd
}

func printEvent(frame protocol.EventFrame, channelFilter string) {
	if !strings.HasPrefix(frame.Type, protocol.MessageEventPrefix) {
		fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), frame.Type)
		return
	}

	var evt protocol.MessageEvent
	if err := json.Unmarshal(frame.Payload, &evt); err != nil {
		return
	}
	if channelFilter != "" && evt.ChannelID != channelFilter {
		return
	}

	line := fmt.Sprintf("%s  %-18s %s channel=%s attempts=%d",
		evt.At.Local().Format(time.TimeOnly), frame.Type, evt.MessageID, evt.ChannelID, evt.Attempts)
	if evt.Error != "" {
		line += " error=" + evt.Error
	}
	fmt.Println(line)
}
