package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/matheus3301/chatcore/internal/account"
	"github.com/matheus3301/chatcore/internal/config"
	"github.com/matheus3301/chatcore/internal/daemon"
)

func main() {
	var accountFlag, configFlag, envFlag string

	root := &cobra.Command{
		Use:           "chatd",
		Short:         "Run the chat queue daemon for one account",
		Long:          "chatd owns an account's offline message queue: it probes the remote store,\nsweeps queued messages when connectivity returns and logs to the account's log file.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
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
				return err
			}
			name := account.Resolve(accountFlag, cfg)
			if err := account.ValidateName(name); err != nil {
				return err
			}

			app := fx.New(
				daemon.Module(daemon.Params{Account: name, Config: cfg, Background: true}),
				fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: l.Named("fx")}
				}),
			)
			app.Run()
			return app.Err()
		},
	}
	root.Flags().StringVar(&accountFlag, "account", "", "account name (overrides config default)")
	root.Flags().StringVar(&configFlag, "config", "", "config file (default ~/.chatcore/config.toml)")
	root.Flags().StringVar(&envFlag, "env-file", "", "dotenv file (default ~/.chatcore/.env)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
