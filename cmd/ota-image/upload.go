package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"zigbee-zcl/internal/zcl/ota"
)

const uploadTimeout = 30 * time.Second

// uploadImage posts an upgrade file to a node's image store.
func uploadImage(ctx context.Context, server, apiKey string, data []byte) (map[string]any, error) {
	url := strings.TrimRight(server, "/") + "/api/ota/images"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("upload: read response: %w", err)
	}
	var out map[string]any
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode != http.StatusCreated {
		if msg, ok := out["error"].(string); ok {
			return nil, fmt.Errorf("upload: %s: %s", resp.Status, msg)
		}
		return nil, fmt.Errorf("upload: %s", resp.Status)
	}
	return out, nil
}

func newUploadCmd() *cobra.Command {
	var server, apiKey string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Add an upgrade file to a node's OTA server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			// Validate before sending.
			if _, _, err := ota.ParseImage(data); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if apiKey == "" {
				apiKey = os.Getenv("ZCL_API_KEY")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), uploadTimeout)
			defer cancel()
			info, err := uploadImage(ctx, server, apiKey, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s as %v\n", args[0], info["key"])
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8080", "node web API base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (default $ZCL_API_KEY)")
	return cmd
}
