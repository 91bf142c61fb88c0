package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/pkg/client"
)

// callCmd is a one-shot RPC client for scripting and debugging: it dials
// the gateway, completes the connect handshake and issues a single method.
func callCmd() *cobra.Command {
	var (
		url     string
		token   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Invoke one gateway RPC method",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := args[0]
			params := "{}"
			if len(args) > 1 {
				params = args[1]
			}
			if !json.Valid([]byte(params)) {
				return fmt.Errorf("params must be valid JSON")
			}
			if token == "" {
				token = os.Getenv("CLAWGATE_GATEWAY_TOKEN")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			// No scope request: take the full set the credential grants.
			c, err := client.Dial(ctx, client.Options{
				URL:      url,
				Token:    token,
				ClientID: "clawgate-cli",
			})
			if err != nil {
				return err
			}
			defer c.Close()

			payload, err := c.Call(ctx, method, json.RawMessage(params))
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(payload, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:18790/ws", "gateway WebSocket URL")
	cmd.Flags().StringVar(&token, "token", "", "gateway token (default $CLAWGATE_GATEWAY_TOKEN)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall call timeout")
	return cmd
}
