package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	pkgconfig "github.com/weiawesome/wes-io-live-relay/pkg/config"
	"github.com/weiawesome/wes-io-live-relay/pkg/pubsub"
)

var (
	flagDriver    string
	flagRedisAddr string
	flagBrokers   string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow room lifecycle events from the event bus",
	Long: `Events subscribes to the relay's room events. With --room only that room
is followed; without it every room is.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg := pubsub.DefaultConfig()
		cfg.Enabled = true
		cfg.Driver = flagDriver
		cfg.Redis.Address = flagRedisAddr
		cfg.Kafka.Brokers = flagBrokers
		cfg.Kafka.GroupID = "relay-client-events"

		bus, err := pubsub.NewPubSub(cfg)
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		defer bus.Close()

		var events <-chan *pubsub.Event
		if flagRoom != "" {
			events, err = bus.Subscribe(ctx, pubsub.RoomEventsChannel(flagRoom))
		} else {
			events, err = bus.SubscribePattern(ctx, pubsub.PatternRoomEvents)
		}
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}

		r := NewTerminalRenderer(cmd.OutOrStdout(), "")
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				r.Info(formatEvent(ev))
			}
		}
	},
}

func init() {
	eventsCmd.Flags().StringVar(&flagDriver, "driver", pkgconfig.GetEnv("PUBSUB_DRIVER", "redis"), "event bus driver: redis or kafka")
	eventsCmd.Flags().StringVar(&flagRedisAddr, "redis-addr", pkgconfig.GetEnv("REDIS_ADDRESS", "localhost:6379"), "redis address")
	eventsCmd.Flags().StringVar(&flagBrokers, "brokers", pkgconfig.GetEnv("KAFKA_BROKERS", "localhost:9092"), "kafka brokers")
}

func formatEvent(ev *pubsub.Event) string {
	switch ev.Type {
	case pubsub.EventViewerCount:
		var p pubsub.ViewerCountPayload
		if ev.UnmarshalPayload(&p) == nil {
			return fmt.Sprintf("%s  viewers=%d", ev.RoomID, p.Count)
		}
	case pubsub.EventBroadcasterJoined, pubsub.EventStreamStart, pubsub.EventStreamEnd:
		var p pubsub.BroadcasterPayload
		if ev.UnmarshalPayload(&p) == nil {
			return fmt.Sprintf("%s  %s by %s on %s", ev.RoomID, ev.Type, p.Username, p.Instance)
		}
	}
	return fmt.Sprintf("%s  %s %s", ev.RoomID, ev.Type, string(ev.Payload))
}
