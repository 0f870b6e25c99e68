package cli

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/rtc"
)

const trackReportEvery = 1000

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a room's stream and chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoom(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		r := NewTerminalRenderer(cmd.OutOrStdout(), flagName)

		var v *rtc.Viewer
		s := newSession(cfg, domain.RoleViewer, r, func(msgType string, raw []byte) {
			v.HandleFrame(msgType, raw)
		})
		v = rtc.NewViewer(flagRoom, s.client, rtc.NewPionFactory(cfg.ICEServers), cfg.MaxRenegotiations,
			rtc.WithTrackHandler(func(t *webrtc.TrackRemote) {
				r.Info("receiving " + t.Kind().String() + " track " + t.ID())
				go func() {
					stats, err := rtc.ReadTrack(t, trackReportEvery, func(s rtc.TrackStats) {
						r.Info(fmt.Sprintf("%s: %d packets, %d lost", t.Kind(), s.Packets, s.Lost))
					})
					if err != nil {
						r.Notice(t.Kind().String() + " track error: " + err.Error())
						return
					}
					r.Info(fmt.Sprintf("%s track ended after %d packets", t.Kind(), stats.Packets))
				}()
			}),
			rtc.WithCloseHandler(func(reason string) {
				r.Notice("stream stopped: " + reason)
				cancel()
			}),
		)
		s.start(ctx)
		defer s.stop()
		defer v.Close()

		readInput(ctx, cmd.InOrStdin(), s)
		return nil
	},
}
