package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/blossomkit/nostrconnect"
	"github.com/blossomkit/nostrconnect/engine"
	"github.com/blossomkit/nostrconnect/sdk"
	"github.com/blossomkit/nostrconnect/transport/relaypool"
	"github.com/spf13/cobra"
)

var (
	cfg     *Config
	sys     *sdk.System
	verbose bool
	relays  []string
	perms   string
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nostrconnect",
		Short:         "Sign and encrypt with a NIP-46 remote signer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = loadConfig(); err != nil {
				return err
			}
			if len(relays) > 0 {
				cfg.Relays = relays
			}
			if cmd.Flags().Changed("perms") {
				cfg.Perms = perms
			}
			if verbose {
				nostrconnect.InfoLogger = log.New(os.Stderr, "[nostrconnect][info] ", log.LstdFlags)
				nostrconnect.DebugLogger = log.New(os.Stderr, "[nostrconnect][debug] ", log.LstdFlags)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if sys == nil {
				return nil
			}
			return sys.Close(context.Background())
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log protocol activity to stderr")
	root.PersistentFlags().StringSliceVar(&relays, "relay", nil, "relay to use, can be repeated (overrides NOSTRCONNECT_RELAYS)")
	root.PersistentFlags().StringVar(&perms, "perms", "", "comma separated permissions, e.g. sign_event:1,nip44_encrypt")

	root.AddCommand(
		inviteCmd(),
		pairCmd(),
		sessionsCmd(),
		connectCmd(),
		retryCmd(),
		revokeCmd(),
		activateCmd(),
		cleanupCmd(),
		pubkeyCmd(),
		signCmd(),
		encryptCmd(),
		decryptCmd(),
		pingCmd(),
		bunkerCmd(),
		demoCmd(),
		envCmd(),
	)
	return root
}

// system opens the session store and connects to the relays. Commands that need neither don't
// call it.
func system(ctx context.Context) (*sdk.System, error) {
	kv, err := cfg.openKV()
	if err != nil {
		return nil, err
	}
	opts := engine.DefaultOptions()
	opts.RequestTimeout = cfg.Timeout
	sys, err = sdk.NewSystem(ctx, sdk.Config{
		KV:           kv,
		Transport:    relaypool.New(ctx),
		Namespace:    cfg.AppName,
		Engine:       opts,
		AutoActivate: true,
	})
	if err != nil {
		kv.Close()
		return nil, err
	}
	return sys, nil
}

// interruptible is cmd.Context() cancelled on ctrl-c.
func interruptible(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables read and their current values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage(cfg)
			return nil
		},
	}
}
