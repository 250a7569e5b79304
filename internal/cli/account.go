package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Stars1233/memori/internal/config"
	"github.com/Stars1233/memori/internal/provider"
	"github.com/spf13/cobra"
)

func (a *App) signUpCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "sign-up --email EMAIL",
		Short: "Create a Memori account and store its API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email = strings.TrimSpace(email)
			if email == "" {
				return usageErrorf(cmd, "an --email address is required")
			}
			b, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			acct, err := b.SignUp(cmd.Context(), email)
			if errors.Is(err, provider.ErrConflict) {
				return fmt.Errorf("an account for %s already exists", email)
			}
			if err != nil {
				return fmt.Errorf("sign-up failed: %w", err)
			}

			path := config.Path(a.v)
			if err := a.save(path, map[string]interface{}{
				config.KeyEmail:     acct.Email,
				config.KeyAccountID: acct.ID,
				config.KeyAPIKey:    acct.APIKey,
			}); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Signed up %s (account %s).\n", acct.Email, acct.ID)
			fmt.Fprintf(out, "Your account may run %d clusters. Credentials saved to %s\n", acct.ClusterLimit, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address of the new account")
	return cmd
}

func (a *App) setupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write connection and cluster defaults to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			changes := map[string]interface{}{}
			for flag, key := range map[string]string{
				"account-id": config.KeyAccountID,
				"cluster":    config.KeyCluster,
				"region":     config.KeyRegion,
				"log-level":  config.KeyLogLevel,
			} {
				if f.Changed(flag) {
					value, _ := f.GetString(flag)
					changes[key] = value
				}
			}
			if f.Changed("nodes") {
				nodes, _ := f.GetInt("nodes")
				if nodes <= 0 {
					return usageErrorf(cmd, "--nodes must be positive")
				}
				changes[config.KeyNodes] = nodes
			}

			path := config.Path(a.v)
			if err := a.save(path, changes); err != nil {
				return err
			}
			s, err := a.settings()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", path)
			fmt.Fprintf(out, "  endpoint: %s\n", s.Endpoint)
			fmt.Fprintf(out, "  cluster:  %s (%s, %d nodes)\n", s.CockroachDB.Cluster, s.CockroachDB.Region, s.CockroachDB.Nodes)
			if s.APIKey == "" {
				fmt.Fprintln(out, "No API key configured yet; run memori sign-up --email EMAIL.")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("account-id", "", "account id")
	f.String("cluster", "", "default cluster name")
	f.String("region", "", "default cluster region")
	f.Int("nodes", 0, "default node count")
	f.String("log-level", "", "log level: debug, info, warn or error")
	return cmd
}

// save writes changes to the config file and applies them to this run.
func (a *App) save(path string, changes map[string]interface{}) error {
	if err := config.Save(path, changes); err != nil {
		return err
	}
	for key, value := range changes {
		a.v.Set(key, value)
	}
	return nil
}

func (a *App) quotaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show how many clusters the account may run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			if s.APIKey == "" {
				return errors.New("no API key configured; run memori sign-up --email EMAIL first")
			}
			b, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			q, err := b.Quota(cmd.Context(), s.AccountID)
			if err != nil {
				return fmt.Errorf("quota: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s: %d of %d clusters in use\n", q.AccountID, q.Used, q.Limit)
			return nil
		},
	}
}
