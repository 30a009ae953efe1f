package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagUser   string
	flagName   string
	flagToken  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voicerooms",
	Short: "Signaling relay and headless client for screen-share and voice rooms",
	Long: `voicerooms runs the signaling relay that coordinates room membership,
screen-share announcements and WebRTC negotiation between participants.

The same binary manages rooms over the HTTP API and joins rooms as a headless
viewer or sharer, which is handy for smoke tests and demos.`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServer, "server", envOr("VOICEROOMS_SERVER", "http://localhost:8080"), "base URL of the voicerooms server")
	pf.StringVar(&flagUser, "user", os.Getenv("VOICEROOMS_USER"), "member id sent as the development identity")
	pf.StringVar(&flagName, "name", "", "display name (defaults to the member id)")
	pf.StringVar(&flagToken, "token", os.Getenv("VOICEROOMS_TOKEN"), "bearer token; takes precedence over --user")

	rootCmd.AddCommand(serveCmd, roomsCmd, viewCmd, shareCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
