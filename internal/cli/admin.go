package cli

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"offsync/internal/config"
)

// adminAddr resolves the running instance's base URL from the config port
// unless overridden with --addr.
func adminAddr(opts *rootOptions, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port), nil
}

func newFlushCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Ask the running gateway to drain its mutation queue now",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := adminAddr(opts, addr)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Post(base+"/offsync/flush", "", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("flush rejected: %s: %s", resp.Status, body)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "flush triggered")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway base URL (default from config port)")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the running gateway's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := adminAddr(opts, addr)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(base + "/offsync/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status request failed: %s", resp.Status)
			}
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway base URL (default from config port)")
	return cmd
}
