// Package cli implements the relay-client commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live-relay/internal/config"
	pkgconfig "github.com/weiawesome/wes-io-live-relay/pkg/config"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

var (
	flagURL        string
	flagPollingURL string
	flagName       string
	flagRoom       string
	flagPolling    bool
)

var rootCmd = &cobra.Command{
	Use:   "relay-client",
	Short: "Broadcast, watch and chat through a relay server",
	Long: `relay-client connects to a relay server over websocket, falling back to
HTTP polling when the socket cannot be opened.

Examples:
  relay-client broadcast --room r1 --name alice
  relay-client watch --room r1
  relay-client chat --room r1 --name bob
  relay-client events --room r1`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "relay websocket url (default from config or RELAY_URL)")
	rootCmd.PersistentFlags().StringVar(&flagPollingURL, "polling-url", "", "relay http base url for the polling fallback")
	rootCmd.PersistentFlags().StringVar(&flagName, "name", pkgconfig.GetEnv("RELAY_USERNAME", ""), "display name")
	rootCmd.PersistentFlags().StringVar(&flagRoom, "room", "", "room id")
	rootCmd.PersistentFlags().BoolVar(&flagPolling, "polling", false, "skip websocket and use polling only")

	rootCmd.AddCommand(broadcastCmd, watchCmd, chatCmd, eventsCmd)
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error: "+err.Error())
		stop()
		os.Exit(1)
	}
}

// loadConfig reads client config and applies the command line overrides.
func loadConfig() (*config.ClientConfig, error) {
	if err := pkgconfig.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if flagURL != "" {
		cfg.URL = flagURL
	}
	if flagPollingURL != "" {
		cfg.PollingURL = flagPollingURL
	}

	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "relay-client",
		Output:      os.Stderr,
	})
	return cfg, nil
}

func requireRoom() error {
	if flagRoom == "" {
		return fmt.Errorf("--room is required")
	}
	return nil
}
