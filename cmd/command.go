// Package cmd implements the ad-sso-gateway command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/isometry/ad-sso-gateway/internal/config"
	"github.com/isometry/ad-sso-gateway/internal/logging"
	"github.com/isometry/ad-sso-gateway/internal/version"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ad-sso-gateway",
		Short: "HTTP authentication and user lookup against Active Directory",
		Long: `ad-sso-gateway validates end-user credentials and resolves user records
against Active Directory (or any LDAP directory) and exposes both over HTTP.

Configuration is read from flags, AD_* environment variables and an optional
.env file, in that order of precedence.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	f := root.PersistentFlags()
	f.StringSlice("env-file", nil, "dotenv files to load (default .env)")
	f.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	f.Bool("log-json", false, "Log in JSON")

	root.AddCommand(newServeCommand(), newCheckCommand(), newVersionCommand())
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
		os.Exit(1)
	}
}

// persistentFlagKeys maps root flags onto configuration keys.
var persistentFlagKeys = map[string]string{
	"log-level": "log.level",
	"log-json":  "log.json",
}

// loadConfig reads the configuration, letting every flag the user set on
// cmd override the environment.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*config.Config, error) {
	v := viper.New()
	bindChangedFlags(cmd.Flags(), v, persistentFlagKeys)
	bindChangedFlags(cmd.Flags(), v, flagKeys)

	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	return config.Load(v, envFiles...)
}

func newLogger(cfg *config.Config, cmd *cobra.Command) hclog.Logger {
	return logging.New(logging.Options{
		Level:  cfg.Log.Level,
		JSON:   cfg.Log.JSON,
		Output: cmd.ErrOrStderr(),
	})
}
