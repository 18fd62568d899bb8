package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Noma-Machiko/image-chooser-classic/pkg/server"
)

var serverURL string

var sendCmd = &cobra.Command{
	Use:   "send <id> <message>",
	Short: "Post a message to a running server",
	Long: `Post a raw message for a node, exactly as the observer would.

A message is either a comma-separated list of batch indices, or one of the
control messages __start__ and __cancel__.`,
	Example: `  image-chooser send 7 0,2
  image-chooser send 12 __cancel__`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().SendMessage(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Announce a new run, clearing buffered selections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().Start(cmd.Context())
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Interrupt every paused node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().Cancel(cmd.Context())
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List the nodes currently waiting for a selection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, err := newClient().Pending(cmd.Context())
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("no paused nodes")
			return nil
		}
		for _, id := range pending {
			fmt.Println(id)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the server health report as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func newClient() *server.Client {
	url := serverURL
	if url == "" {
		url = "http://" + cfg.APIAddress()
	}
	return server.NewClient(url)
}

func init() {
	for _, c := range []*cobra.Command{sendCmd, startCmd, cancelCmd, pendingCmd, healthCmd} {
		c.Flags().StringVar(&serverURL, "server", "",
			"Server base URL (default: http://<api-host>:<api-port> from config)")
		rootCmd.AddCommand(c)
	}
}
