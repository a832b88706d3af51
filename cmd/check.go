package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isometry/ad-sso-gateway/internal/ldap"
	"github.com/isometry/ad-sso-gateway/internal/logging"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and ping the directory",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
	addDirectoryFlags(cmd.Flags())
	return cmd
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, directoryFlagKeys)
	if err != nil {
		return err
	}

	logger := newLogger(cfg, cmd)
	ctx := logging.WithLogger(cmd.Context(), logger)

	cc, err := cfg.ConnectionConfig()
	if err != nil {
		return err
	}
	client, err := ldap.NewClient(ctx, cc)
	if err != nil {
		return fmt.Errorf("creating directory client: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	ctx, cancel := context.WithTimeout(ctx, cfg.Pool.ConnectTimeout+cfg.Pool.RequestTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("directory unreachable: %w", err)
	}

	stats := client.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "configuration valid, directory reachable")
	for _, p := range []ldap.PoolStats{stats.Service, stats.Bind} {
		fmt.Fprintf(out, "  pool %-8s max=%d open=%d\n", p.Name, p.Max, p.Total)
	}
	return nil
}
