package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/chatcore/internal/account"
	"github.com/matheus3301/chatcore/internal/config"
	"github.com/matheus3301/chatcore/internal/coordinator"
	"github.com/matheus3301/chatcore/internal/daemon"
	"github.com/matheus3301/chatcore/internal/identity"
)

var (
	accountFlag string
	configFlag  string
	envFlag     string
	jsonOutput  bool
	verbose     bool
	timeout     time.Duration
)

// session is the in-process coordinator a command runs against. It holds
// the account lock for the lifetime of the command.
type session struct {
	app      *fx.App
	coord    *coordinator.Coordinator
	backend  daemon.Backend
	identity identity.Provider
}

func open(ctx context.Context) (*session, error) {
	cfgPath := configFlag
	if cfgPath == "" {
		cfgPath = account.ConfigPath()
	}
	envPath := envFlag
	if envPath == "" {
		envPath = account.EnvPath()
	}
	cfg, err := config.Load(cfgPath, envPath)
	if err != nil {
		return nil, err
	}
	if !verbose {
		cfg.Log.Level = "error"
	}
	name := account.Resolve(accountFlag, cfg)
	if err := account.ValidateName(name); err != nil {
		return nil, err
	}

	s := &session{}
	s.app = fx.New(
		daemon.Module(daemon.Params{Account: name, Config: cfg}),
		fx.Populate(&s.coord, &s.backend, &s.identity),
		fx.NopLogger,
	)
	if err := s.app.Err(); err != nil {
		return nil, err
	}
	if err := s.app.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.app.Stop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: shutdown: %v\n", err)
	}
}

// runSession opens a session, runs fn under the command timeout and
// closes the session again.
func runSession(fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func run(fn func(ctx context.Context, c *coordinator.Coordinator) error) error {
	return runSession(func(ctx context.Context, s *session) error { return fn(ctx, s.coord) })
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Operate an account's chats and offline queue",
		Long:          "chatctl runs the chat coordinator in-process against the configured backend.\nIt takes the account lock, so stop chatd for the same account first.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&accountFlag, "account", "", "account name (overrides config default)")
	pf.StringVar(&configFlag, "config", "", "config file (default ~/.chatcore/config.toml)")
	pf.StringVar(&envFlag, "env-file", "", "dotenv file (default ~/.chatcore/.env)")
	pf.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of errors only")
	pf.DurationVar(&timeout, "timeout", 30*time.Second, "overall command timeout")

	root.AddCommand(
		newSendCmd(),
		newQueueCmd(),
		newRetryCmd(),
		newSweepCmd(),
		newChatsCmd(),
		newMessagesCmd(),
		newReadCmd(),
		newDirectCmd(),
		newGroupCmd(),
		newReconcileCmd(),
		newTypingCmd(),
		newSearchCmd(),
		newProfileCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
