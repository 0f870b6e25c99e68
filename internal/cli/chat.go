package cli

import (
	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live-relay/internal/domain"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a room's chat as a viewer without media",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireRoom(); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		r := NewTerminalRenderer(cmd.OutOrStdout(), flagName)
		s := newSession(cfg, domain.RoleViewer, r, nil)
		s.start(ctx)
		defer s.stop()

		readInput(ctx, cmd.InOrStdin(), s)
		return nil
	},
}
