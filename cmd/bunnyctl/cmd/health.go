package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/austindbirch/bunny_bridge/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a bridge",
	Long:  `Check the broker and journal connectivity reported by the bridge's /healthz endpoint.`,
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	resp, data, err := do(req)
	if err != nil {
		return fmt.Errorf("HTTP health check failed: %w", err)
	}

	var status health.Status
	if err := sonic.Unmarshal(data, &status); err != nil {
		return apiError(resp.StatusCode, data)
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		printOutput(out, status)
		return nil
	}
	if status.OK {
		fmt.Fprintln(out, "✓ Bridge is healthy")
		return nil
	}
	fmt.Fprintf(out, "✗ Bridge is unhealthy (HTTP %d): %s\n", resp.StatusCode, status.Message)
	return nil
}
