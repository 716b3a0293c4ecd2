package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/zenchain/fhevm"
	"github.com/zenchain/fhevm/config"
	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand shares once flags are parsed.
type app struct {
	config *types.Config
	logger logger.Logger
	client *fhevm.Client
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "zenchain",
		Short: "FHE runtime bootstrap and decryption tooling",
		Long: `zenchain creates FHE runtimes against simulator or relayer chains,
manages cached decryption grants and decrypts ciphertext handles.`,
		Version:       fhevm.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newRuntimeCmd(a),
		newDecryptCmd(a),
		newGrantsCmd(a),
		newCacheCmd(a),
		newDiaryCmd(a),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	a.config = cfg
	a.logger = logger.NewZapLogger(cfg.LogLevel, true)

	a.client, err = fhevm.New(cfg, fhevm.WithLogger(a.logger))
	return err
}

func (a *app) close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}
