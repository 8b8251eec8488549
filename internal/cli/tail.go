package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/replypilot/replypilot/internal/tui"
)

func newTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream live events from a running server in a terminal UI",
		RunE:  runTail,
	}
	cmd.Flags().StringP("server", "s", "http://localhost:8080", "base URL of the replypilot server")
	cmd.Flags().StringP("token", "t", "", "API token (falls back to REPLYPILOT_TOKEN)")
	return cmd
}

func runTail(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("REPLYPILOT_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("a token is required: pass --token or set REPLYPILOT_TOKEN")
	}

	return tui.Tail(server, token)
}
