package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/rtc"
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Broadcast to a room and chat with its viewers",
	Long: `Broadcast joins the room as its broadcaster and offers a video track to
every viewer. Lines typed on stdin are sent as chat.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoom(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		media, err := rtc.NewStaticSource(flagRoom)
		if err != nil {
			return fmt.Errorf("%w; check that a camera is available", err)
		}

		ctx := cmd.Context()
		r := NewTerminalRenderer(cmd.OutOrStdout(), flagName)

		var b *rtc.Broadcaster
		s := newSession(cfg, domain.RoleBroadcaster, r, func(msgType string, raw []byte) {
			b.HandleFrame(msgType, raw)
		})
		b = rtc.NewBroadcaster(flagRoom, s.client, rtc.NewPionFactory(cfg.ICEServers), media, cfg.MaxRenegotiations)
		s.start(ctx)
		defer s.stop()

		if !s.waitConnected(ctx) {
			return nil
		}
		if err := b.Start(); err != nil {
			if rtc.IsMediaAcquisition(err) {
				return fmt.Errorf("%w; allow camera and microphone access and retry", err)
			}
			return err
		}
		defer b.Stop()
		r.Info("live in room " + flagRoom + ", type to chat, /quit to stop")

		readInput(ctx, cmd.InOrStdin(), s)
		return nil
	},
}
