// Command orderctl drives the operator API of the payment service.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var server, apiKey string
	client := func() *apiClient { return newAPIClient(server, apiKey) }

	root := &cobra.Command{
		Use:           "orderctl",
		Short:         "Inspect and settle payment orders",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", envOr("ORDERCTL_SERVER", "http://localhost:8080"), "service base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("ORDERCTL_API_KEY"), "operator API key")

	root.AddCommand(createCmd(client), getCmd(client), verifyCmd(client), retryCmd(client), pendingCmd(client))
	return root
}

func createCmd(client func() *apiClient) *cobra.Command {
	var req createRequest
	var meta []string
	cmd := &cobra.Command{
		Use:   "create <user-id> <tier> <provider>",
		Short: "Create a payment order",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.UserID, req.Tier, req.Provider = args[0], args[1], args[2]
			m, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			req.Metadata = m
			return client().do(cmd.Context(), cmd.OutOrStdout(), "POST", "/api/v1/orders", req)
		},
	}
	cmd.Flags().StringVarP(&req.Region, "region", "r", "", "price region, e.g. KE")
	cmd.Flags().StringSliceVarP(&meta, "meta", "m", nil, "provider metadata as key=value, e.g. phone=0712345678")
	return cmd
}

func getCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "get <order-id | PROVIDER:REF>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().do(cmd.Context(), cmd.OutOrStdout(), "GET", "/api/v1/orders/"+args[0], nil)
		},
	}
}

func verifyCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <order-id | PROVIDER:REF> <transaction-id>",
		Short: "Verify a payment and activate the order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().do(cmd.Context(), cmd.OutOrStdout(), "POST", "/api/v1/orders/"+args[0]+"/verify",
				map[string]string{"transaction_id": args[1]})
		},
	}
}

func retryCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <order-id>",
		Short: "Retry the activation of a verified order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().do(cmd.Context(), cmd.OutOrStdout(), "POST", "/api/v1/orders/"+args[0]+"/activate", nil)
		},
	}
}

func pendingCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "pending <user-id>",
		Short: "Show the open order of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().do(cmd.Context(), cmd.OutOrStdout(), "GET", "/api/v1/users/"+args[0]+"/pending", nil)
		},
	}
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
