package cli

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/SirClappington/queuectl/internal/config"
	"github.com/SirClappington/queuectl/internal/storage"
)

func migrateCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations for the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			if dir == "" {
				dir = a.cfg.MigrationsDir
			}
			if a.cfg.Store == config.StoreRedis {
				fmt.Fprintln(cmd.OutOrStdout(), "redis store needs no migrations")
				return nil
			}
			s, err := storage.Open(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, s.Close()) }()
			if err := storage.MigrateStore(s, dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store is up to date\n", a.cfg.Store)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations root (defaults to MIGRATIONS_DIR)")
	return cmd
}

func configCmd(a *app) *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			shown := a.cfg
			if shown.RedisPassword != "" {
				shown.RedisPassword = "********"
			}
			shown.PostgresDSN = redactDSN(shown.PostgresDSN)
			b, err := yaml.Marshal(shown)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	})
	return cfg
}

var dsnPassword = regexp.MustCompile(`(?i)(\bpassword\s*=\s*)('(?:[^'\\]|\\.)*'|\S+)`)

// redactDSN hides the password in both URL and key=value connection strings.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		q := u.Query()
		if q.Has("password") {
			q.Set("password", "xxxxx")
			u.RawQuery = q.Encode()
		}
		return u.Redacted()
	}
	return dsnPassword.ReplaceAllString(dsn, "${1}xxxxx")
}
