package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/austindbirch/bunny_bridge/internal/publisher"
)

var (
	publishContentType string
	publishTransient   bool
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish <queue> [file|-]",
	Short: "Publish a payload to a queue",
	Long: `Publish the contents of a file, or of standard input when the file is
omitted or "-", to a queue exposed by a bridge publisher.`,
	Example: `  bunnyctl publish orders order.json --content-type application/json
  echo -n hello | bunnyctl publish greetings`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVarP(&publishContentType, "content-type", "c", "application/octet-stream", "Content-Type of the payload")
	publishCmd.Flags().BoolVar(&publishTransient, "transient", false, "publish a non persistent message")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(cmd.InOrStdin(), args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := newRequest(ctx, http.MethodPost, "/publish/"+url.PathEscape(args[0]), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", publishContentType)
	req.Header.Set(publisher.HeaderPersistent, strconv.FormatBool(!publishTransient))

	resp, data, err := do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		return apiError(resp.StatusCode, data)
	}

	var res publisher.Result
	if err := sonic.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		printOutput(out, res)
		return nil
	}
	fmt.Fprintf(out, "✓ Published %d bytes to %s\n", res.ContentLengthBytes, args[0])
	fmt.Fprintf(out, "Message ID: %s\n", res.MessageID)
	return nil
}

// readPayload reads the named file, or stdin for no name or "-".
func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return b, nil
}
