// fflystream connects to the exchange socket, joins the configured rooms and
// prints every event it receives.
// Usage: go run ./cmd/fflystream --config configs/fflystream.yaml --market BTC-PERP
//
// A user room is joined when subscriptions.user_token or
// subscriptions.user_token_file is set, or with --token-env NAME.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rickgao/ffly-stream/internal/version"
)

type options struct {
	configPath string
	network    string
	url        string
	markets    []string
	tokenEnv   string
	port       int
	verbose    bool
}

var (
	opts    options
	rootCmd = &cobra.Command{
		Use:          "fflystream",
		Short:        "Stream exchange events to the console",
		Version:      version.String(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
)

func init() {
	rootCmd.Flags().StringVar(&opts.configPath, "config", "", "path to config file (defaults apply when empty)")
	rootCmd.Flags().StringVar(&opts.network, "network", "", "named network: testnet, dev or sandbox")
	rootCmd.Flags().StringVar(&opts.url, "url", "", "socket URL, overrides --network")
	rootCmd.Flags().StringSliceVar(&opts.markets, "market", nil, "market symbol to subscribe to (repeatable)")
	rootCmd.Flags().StringVar(&opts.tokenEnv, "token-env", "", "environment variable holding the user token")
	rootCmd.Flags().IntVar(&opts.port, "port", 0, "health and metrics port, overrides metrics.port")
	rootCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging and print full event payloads")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
