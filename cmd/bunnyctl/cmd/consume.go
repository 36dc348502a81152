package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/bunny_bridge/internal/api"
	"github.com/austindbirch/bunny_bridge/internal/httperr"
)

var consumeOutput string

// consumedMessage is the JSON rendering of a fetched message.
type consumedMessage struct {
	Queue         string `json:"queue"`
	MessageID     string `json:"messageId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	AppID         string `json:"appId,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	MessageCount  int    `json:"messageCount"`
	Body          string `json:"body"`
}

// consumeCmd represents the consume command
var consumeCmd = &cobra.Command{
	Use:   "consume <queue>",
	Short: "Fetch one message from a queue",
	Long: `Fetch a single message from a queue exposed by a bridge consumer. The
message is acknowledged by the bridge as soon as it is returned.`,
	Args: cobra.ExactArgs(1),
	RunE: runConsume,
}

func init() {
	consumeCmd.Flags().StringVarP(&consumeOutput, "output", "o", "", "write the message body to this file instead of stdout")
	rootCmd.AddCommand(consumeCmd)
}

func runConsume(cmd *cobra.Command, args []string) error {
	queue := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := newRequest(ctx, http.MethodGet, "/consume/"+url.PathEscape(queue), nil)
	if err != nil {
		return err
	}
	resp, data, err := do(req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if resp.StatusCode != http.StatusResetContent {
		err := apiError(resp.StatusCode, data)
		if errors.Is(err, httperr.ErrQueueEmpty) {
			fmt.Fprintf(out, "✗ Queue %s is empty\n", queue)
			return nil
		}
		return err
	}

	count, _ := strconv.Atoi(resp.Header.Get(api.HeaderMessageCount))
	msg := consumedMessage{
		Queue:         queue,
		MessageID:     resp.Header.Get(api.HeaderMessageID),
		CorrelationID: resp.Header.Get(api.HeaderCorrelationID),
		AppID:         resp.Header.Get(api.HeaderAppID),
		ContentType:   resp.Header.Get("Content-Type"),
		MessageCount:  count,
		Body:          string(data),
	}

	if consumeOutput != "" {
		if err := os.WriteFile(consumeOutput, data, 0o644); err != nil {
			return fmt.Errorf("failed to write message body: %w", err)
		}
		fmt.Fprintf(out, "✓ Wrote %d bytes from %s to %s (%d remaining)\n", len(data), queue, consumeOutput, count)
		return nil
	}
	if outputJSON {
		printOutput(out, msg)
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Message ID: %s, remaining: %d\n", msg.MessageID, count)
	_, err = out.Write(data)
	return err
}
