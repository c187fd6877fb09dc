package command

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/octatecode/collabmesh/internal/ui"
)

var (
	flagServerURL string
	flagUserName  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "collab",
	Short: "Real-time collaborative editing client",
	Long:  `Collab connects an editor to a collabmesh signaling server: host or join a room, exchange document operations peer-to-peer over WebRTC data channels, and fall back to server relay while the mesh forms.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServerURL, "server", "", "websocket server URL (overrides COLLAB_SERVER_URL)")
	rootCmd.PersistentFlags().StringVarP(&flagUserName, "name", "n", "", "display name")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once from main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

// waitForInterrupt blocks until Ctrl-C.
func waitForInterrupt() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}
