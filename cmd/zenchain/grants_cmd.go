package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func newGrantsCmd(a *app) *cobra.Command {
	grants := &cobra.Command{
		Use:   "grants",
		Short: "Manage cached decryption grants",
	}

	var chainID uint64
	var userHex, contractHex string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget a user's grants on a chain, or only the one for --contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !common.IsHexAddress(userHex) {
				return fmt.Errorf("invalid user address %q", userHex)
			}
			user := common.HexToAddress(userHex)

			if contractHex != "" {
				if !common.IsHexAddress(contractHex) {
					return fmt.Errorf("invalid contract address %q", contractHex)
				}
				if err := a.client.ClearGrant(cmd.Context(), chainID, user, common.HexToAddress(contractHex)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared grant")
				return nil
			}

			n, err := a.client.Disconnect(cmd.Context(), chainID, user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d grants\n", n)
			return nil
		},
	}
	clearCmd.Flags().Uint64Var(&chainID, "chain-id", 0, "Chain the grants were issued for")
	clearCmd.Flags().StringVar(&userHex, "user", "", "User address")
	clearCmd.Flags().StringVar(&contractHex, "contract", "", "Primary contract of a single grant")
	_ = clearCmd.MarkFlagRequired("chain-id")
	_ = clearCmd.MarkFlagRequired("user")

	grants.AddCommand(clearCmd)
	return grants
}

func newCacheCmd(a *app) *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Manage everything stored under the namespace",
	}
	cache.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove grants, cached public keys and simulator cleartexts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.client.ClearAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries from namespace %s\n", n, a.config.Namespace)
			return nil
		},
	})
	return cache
}
