package cli

import (
	"fmt"
	"time"

	"github.com/Stars1233/memori/internal/config"
	"github.com/Stars1233/memori/internal/models"
	"github.com/spf13/cobra"
)

type clusterFlags struct {
	wait    bool
	timeout time.Duration
	token   string
}

func (a *App) cockroachDBCommand() *cobra.Command {
	crdb := &cobra.Command{
		Use:   "cockroachdb",
		Short: "Manage CockroachDB clusters",
		RunE:  missingSubcommand,
	}
	crdb.AddCommand(a.clusterCommand())
	return crdb
}

func (a *App) clusterCommand() *cobra.Command {
	f := &clusterFlags{}
	cluster := &cobra.Command{
		Use:   "cluster <create|start|stop|destroy|status> [name]",
		Short: "Create, start, stop, destroy or inspect a cluster",
		Long: "Lifecycle actions return once the control plane accepts them. With --wait (the default)\n" +
			"the command then follows the cluster until the action settles or --timeout passes.\n" +
			"The cluster name defaults to cockroachdb.cluster from the config file.",
		RunE: missingSubcommand,
	}
	pf := cluster.PersistentFlags()
	pf.BoolVar(&f.wait, "wait", true, "wait until the action settles")
	pf.DurationVar(&f.timeout, "timeout", 0, "how long to wait (default lifecycle.deadline)")
	pf.StringVar(&f.token, "token", "", "idempotency token; reuse it to retry an action safely")
	pf.String("region", "", "region of a new cluster")
	pf.Int("nodes", 0, "node count of a new cluster")
	a.v.BindPFlag(config.KeyRegion, pf.Lookup("region"))
	a.v.BindPFlag(config.KeyNodes, pf.Lookup("nodes"))

	for _, verb := range []models.Verb{models.VerbCreate, models.VerbStart, models.VerbStop, models.VerbDestroy} {
		cluster.AddCommand(&cobra.Command{
			Use:   string(verb) + " [name]",
			Short: actionHelp[verb],
			Args:  cobra.MaximumNArgs(1),
			RunE:  a.clusterAction(verb, f),
		})
	}
	cluster.AddCommand(&cobra.Command{
		Use:   "status [name]",
		Short: "Show the current state of a cluster",
		Args:  cobra.MaximumNArgs(1),
		RunE:  a.clusterStatus,
	})
	return cluster
}

var actionHelp = map[models.Verb]string{
	models.VerbCreate:  "Provision a new cluster",
	models.VerbStart:   "Start a stopped or failed cluster",
	models.VerbStop:    "Stop a running cluster",
	models.VerbDestroy: "Stop and delete a cluster",
}

func missingSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageErrorf(cmd, "unknown subcommand %q for %q", args[0], cmd.CommandPath())
	}
	return usageErrorf(cmd, "%s requires a subcommand", cmd.CommandPath())
}

func (a *App) clusterName(cmd *cobra.Command, args []string) (string, config.Settings, error) {
	s, err := a.settings()
	if err != nil {
		return "", s, err
	}
	name := s.CockroachDB.Cluster
	if len(args) == 1 {
		name = args[0]
	}
	if name == "" {
		return "", s, usageErrorf(cmd, "a cluster name is required")
	}
	return name, s, nil
}

func (a *App) clusterAction(verb models.Verb, f *clusterFlags) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		name, s, err := a.clusterName(cmd, args)
		if err != nil {
			return err
		}
		b, err := a.connect(cmd.Context())
		if err != nil {
			return err
		}
		clusters := b.Clusters()

		action := models.LifecycleAction{
			Cluster:   name,
			Verb:      verb,
			Token:     f.token,
			AccountID: s.AccountID,
		}
		if verb == models.VerbCreate {
			action.Region = s.CockroachDB.Region
			action.Nodes = s.CockroachDB.Nodes
		}
		a.log.Debugf("issuing %s %s", verb, name)
		state, err := clusters.Issue(cmd.Context(), action)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "cluster %s: %s\n", name, state)
		if !f.wait {
			return nil
		}

		timeout := f.timeout
		if timeout <= 0 {
			timeout = s.Lifecycle.Deadline
		}
		fmt.Fprintf(a.Stderr, "waiting up to %s for %s to settle...\n", timeout, name)
		final, err := clusters.AwaitTerminal(cmd.Context(), name, timeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "cluster %s: %s\n", name, final)
		return nil
	}
}

func (a *App) clusterStatus(cmd *cobra.Command, args []string) error {
	name, s, err := a.clusterName(cmd, args)
	if err != nil {
		return err
	}
	b, err := a.connect(cmd.Context())
	if err != nil {
		return err
	}
	clusters := b.Clusters()
	state, err := clusters.Issue(cmd.Context(), models.LifecycleAction{
		Cluster:   name,
		Verb:      models.VerbDescribe,
		AccountID: s.AccountID,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if state == models.StateUnprovisioned {
		fmt.Fprintf(out, "cluster %s: %s (not created)\n", name, state)
		return nil
	}
	fmt.Fprintf(out, "cluster %s: %s\n", name, state)
	if snap, ok := clusters.Snapshot(name); ok {
		if snap.Region != "" {
			fmt.Fprintf(out, "  region:   %s\n", snap.Region)
		}
		if snap.Nodes > 0 {
			fmt.Fprintf(out, "  nodes:    %d\n", snap.Nodes)
		}
		if !snap.ObservedAt.IsZero() {
			fmt.Fprintf(out, "  observed: %s\n", snap.ObservedAt.Format(time.RFC3339))
		}
		if snap.LastError != "" {
			fmt.Fprintf(out, "  error:    %s\n", snap.LastError)
		}
	}
	return nil
}
