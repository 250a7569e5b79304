// Package cli is the memori command router.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Stars1233/memori/internal/config"
	"github.com/Stars1233/memori/internal/lifecycle"
	memorilog "github.com/Stars1233/memori/internal/log"
	"github.com/Stars1233/memori/internal/provider"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Process exit codes.
const (
	ExitOK                = 0
	ExitError             = 1
	ExitUsage             = 2
	ExitInvalidTransition = 3
	ExitBusy              = 4
	ExitQuota             = 5
	ExitTransport         = 6
	ExitRemoteFailure     = 7
	ExitTimeout           = 8
)

type usageError struct {
	cmd *cobra.Command
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usageErrorf(cmd *cobra.Command, format string, args ...interface{}) error {
	return &usageError{cmd: cmd, msg: fmt.Sprintf(format, args...)}
}

// App holds the state of one invocation.
type App struct {
	Version    string
	Stdout     io.Writer
	Stderr     io.Writer
	NewBackend BackendFactory

	v       *viper.Viper
	cfgFile string
	verbose bool
	log     *zap.SugaredLogger
	backend Backend
}

func NewApp(version string, stdout, stderr io.Writer) *App {
	return &App{
		Version:    version,
		Stdout:     stdout,
		Stderr:     stderr,
		NewBackend: NewRemoteBackend,
		v:          config.New(),
		log:        memorilog.Nop(),
	}
}

// Run executes args and returns the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if a.backend != nil {
		if cerr := a.backend.Close(); cerr != nil {
			a.log.Warnf("shutdown: %v", cerr)
		}
		a.backend = nil
	}
	if err == nil {
		return ExitOK
	}

	code := ExitCode(err)
	if code == ExitUsage {
		var ue *usageError
		if errors.As(err, &ue) && ue.cmd != nil {
			cmd = ue.cmd
		}
		fmt.Fprintf(a.Stdout, "Error: %v\n", err)
		cmd.SetOut(a.Stdout)
		_ = cmd.Usage()
		return code
	}
	fmt.Fprintf(a.Stderr, "Error: %v\n", err)
	return code
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ue *usageError
	if errors.As(err, &ue) {
		return ExitUsage
	}
	switch {
	case errors.Is(err, lifecycle.ErrInvalidAction):
		return ExitUsage
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return ExitInvalidTransition
	case errors.Is(err, lifecycle.ErrActionInFlight), errors.Is(err, lifecycle.ErrReconciliationBusy):
		return ExitBusy
	case errors.Is(err, lifecycle.ErrQuotaExceeded), errors.Is(err, lifecycle.ErrQuotaCheckUnavailable):
		return ExitQuota
	case errors.Is(err, lifecycle.ErrTransport):
		return ExitTransport
	case errors.Is(err, lifecycle.ErrRemoteFailure):
		return ExitRemoteFailure
	case errors.Is(err, lifecycle.ErrTimeout):
		return ExitTimeout
	}
	if provider.IsTransport(err) {
		return ExitTransport
	}
	if isCobraUsageError(err) {
		return ExitUsage
	}
	return ExitError
}

// isCobraUsageError recognises the argument and flag errors cobra returns
// before any command runs.
func isCobraUsageError(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "invalid argument", "flag needs an argument", "accepts ", "requires "} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func (a *App) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "memori",
		Short:         "Memori command line",
		Long:          "Memori manages your account and CockroachDB clusters on memorilabs.ai.",
		Version:       a.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.banner(cmd.OutOrStdout())
			return cmd.Usage()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{cmd: cmd, msg: err.Error()}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.memori/config.yaml)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")
	pf.String("endpoint", "", "control plane address")
	pf.String("api-key", "", "API key issued by sign-up")
	pf.String("state-dir", "", "directory of the local cluster cache")
	pf.String("nats-url", "", "publish lifecycle events to this NATS server")
	pf.String("pushgateway", "", "push CLI metrics to this Prometheus pushgateway")
	pf.Bool("trace", false, "write OpenTelemetry spans to stderr")
	a.v.BindPFlag(config.KeyEndpoint, pf.Lookup("endpoint"))
	a.v.BindPFlag(config.KeyAPIKey, pf.Lookup("api-key"))
	a.v.BindPFlag(config.KeyStateDir, pf.Lookup("state-dir"))
	a.v.BindPFlag(config.KeyNatsURL, pf.Lookup("nats-url"))
	a.v.BindPFlag(config.KeyPushgateway, pf.Lookup("pushgateway"))
	a.v.BindPFlag(config.KeyTrace, pf.Lookup("trace"))

	root.AddCommand(
		a.cockroachDBCommand(),
		a.quotaCommand(),
		a.signUpCommand(),
		a.setupCommand(),
	)
	return root
}

func (a *App) init() error {
	if err := config.Load(a.v, a.cfgFile); err != nil {
		return err
	}
	level := a.v.GetString(config.KeyLogLevel)
	if a.verbose {
		level = "debug"
	}
	logger, err := memorilog.New(memorilog.Options{Level: level})
	if err != nil {
		return err
	}
	a.log = logger
	return nil
}

func (a *App) settings() (config.Settings, error) {
	return config.Get(a.v)
}

// connect builds the backend once per invocation.
func (a *App) connect(ctx context.Context) (Backend, error) {
	if a.backend != nil {
		return a.backend, nil
	}
	s, err := a.settings()
	if err != nil {
		return nil, err
	}
	b, err := a.NewBackend(ctx, s, a.log, a.Stderr)
	if err != nil {
		return nil, err
	}
	a.backend = b
	return b, nil
}

func (a *App) banner(w io.Writer) {
	fmt.Fprintln(w, "  __  __                          _ ")
	fmt.Fprintln(w, " |  \\/  | ___ _ __ ___   ___  _ __(_)")
	fmt.Fprintln(w, " | |\\/| |/ _ \\ '_ ` _ \\ / _ \\| '__| |")
	fmt.Fprintln(w, " | |  | |  __/ | | | | | (_) | |  | |")
	fmt.Fprintln(w, " |_|  |_|\\___|_| |_| |_|\\___/|_|  |_|")
	fmt.Fprintln(w)
	fmt.Fprintf(w, " Memori %s\n", a.Version)
	fmt.Fprintln(w, " https://memorilabs.ai")
	fmt.Fprintln(w)
}
