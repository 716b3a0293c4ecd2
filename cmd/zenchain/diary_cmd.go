package main

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/spf13/cobra"

	"github.com/zenchain/fhevm/decryption"
	"github.com/zenchain/fhevm/diary"
	"github.com/zenchain/fhevm/signer"
)

const diaryPageSize = 100

func newDiaryCmd(a *app) *cobra.Command {
	d := &cobra.Command{
		Use:   "diary",
		Short: "Read and decrypt entries of the encrypted diary contract",
	}

	var rpcURL, keyHex, contractHex string
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Decrypt the user's entries and print averages and tag counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !common.IsHexAddress(contractHex) {
				return fmt.Errorf("invalid contract address %q", contractHex)
			}
			user, err := signer.NewKeySignerFromHex(keyHex)
			if err != nil {
				return err
			}

			rc, err := rpc.DialContext(ctx, rpcURL)
			if err != nil {
				return fmt.Errorf("failed to dial %s: %w", rpcURL, err)
			}
			defer rc.Close()
			contract := diary.NewContract(common.HexToAddress(contractHex), rc)

			ids, err := contract.UserEntries(ctx, user.Address(), 0, diaryPageSize)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no entries")
				return nil
			}

			groups := make([]decryption.Group, len(ids))
			handles := make([]diary.EntryHandles, len(ids))
			for i, id := range ids {
				if handles[i], err = contract.EntryHandles(ctx, id); err != nil {
					return err
				}
				groups[i] = decryption.Group{ID: id.String(), Pairs: handles[i].Pairs(contract.Address())}
			}

			rt, err := a.createRuntime(ctx, rpcURL, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			results, err := a.client.DecryptGroups(ctx, rt, user, groups)
			if err != nil {
				return err
			}
			var entries []*diary.Entry
			for i, r := range results {
				if r.Err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "entry %s: %v\n", r.ID, r.Err)
					continue
				}
				e, err := diary.DecodeEntry(r.Values, handles[i])
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "entry %s: %v\n", r.ID, err)
					continue
				}
				entries = append(entries, e)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(diary.Summarize(entries))
		},
	}
	stats.Flags().StringVar(&rpcURL, "rpc", "", "JSON-RPC endpoint of the chain")
	stats.Flags().StringVar(&keyHex, "key", "", "Hex private key of the diary author")
	stats.Flags().StringVar(&contractHex, "contract", "", "Diary contract address")
	for _, f := range []string{"rpc", "key", "contract"} {
		_ = stats.MarkFlagRequired(f)
	}

	d.AddCommand(stats)
	return d
}
