package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/zenchain/fhevm/signer"
	"github.com/zenchain/fhevm/types"
)

func newRuntimeCmd(a *app) *cobra.Command {
	var rpcURL string
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Create a runtime and print its status transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.createRuntime(cmd.Context(), rpcURL, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			pk := rt.PublicKey()
			fmt.Fprintf(out, "chain: %d\n", rt.ChainID())
			fmt.Fprintf(out, "public key: %s (%d bytes)\n", pk.ID, len(pk.Data))
			return nil
		},
	}
	cmd.Flags().StringVar(&rpcURL, "rpc", "", "JSON-RPC endpoint of the chain")
	_ = cmd.MarkFlagRequired("rpc")
	return cmd
}

func newDecryptCmd(a *app) *cobra.Command {
	var rpcURL, keyHex, contractHex string
	cmd := &cobra.Command{
		Use:   "decrypt HANDLE...",
		Short: "Decrypt handles of one contract, signing a grant when needed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(contractHex) {
				return fmt.Errorf("invalid contract address %q", contractHex)
			}
			contract := common.HexToAddress(contractHex)
			user, err := signer.NewKeySignerFromHex(keyHex)
			if err != nil {
				return err
			}

			pairs := make([]types.HandleContractPair, len(args))
			for i, arg := range args {
				h, err := types.ParseHandle(arg)
				if err != nil {
					return err
				}
				pairs[i] = types.HandleContractPair{Handle: h, ContractAddress: contract}
			}

			rt, err := a.createRuntime(cmd.Context(), rpcURL, io.Discard)
			if err != nil {
				return err
			}
			defer rt.Close()

			values, err := a.client.Decrypt(cmd.Context(), rt, user, pairs)
			if err != nil {
				return err
			}
			for _, p := range pairs {
				v := values[p.Handle.String()]
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", p.Handle, v.Type, v)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rpcURL, "rpc", "", "JSON-RPC endpoint of the chain")
	cmd.Flags().StringVar(&keyHex, "key", "", "Hex private key of the decrypting user")
	cmd.Flags().StringVar(&contractHex, "contract", "", "Contract the handles belong to")
	for _, f := range []string{"rpc", "key", "contract"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

// createRuntime runs one creation attempt and writes each status to w.
func (a *app) createRuntime(ctx context.Context, rpcURL string, w io.Writer) (types.Runtime, error) {
	var seen []string
	rt, err := a.client.CreateRuntime(ctx, types.Connection{URL: rpcURL}, func(s types.RuntimeStatus) {
		seen = append(seen, s.String())
		fmt.Fprintf(w, "status: %s\n", s)
	})
	if err != nil {
		return nil, fmt.Errorf("runtime creation failed after %s: %w", strings.Join(seen, " -> "), err)
	}
	return rt, nil
}
