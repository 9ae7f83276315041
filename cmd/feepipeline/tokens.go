package main

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"solana-fee-pipeline/internal/domain"
	"solana-fee-pipeline/internal/storage"
	pgstore "solana-fee-pipeline/internal/storage/postgres"
)

func newTokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage token rows",
	}
	cmd.AddCommand(newTokensUpsertCmd(), newTokensListCmd())
	return cmd
}

// withTokenStore runs fn against the postgres token store.
func withTokenStore(cmd *cobra.Command, fn func(storage.TokenStore) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is required")
	}
	pool, err := pgstore.NewPool(cmd.Context(), cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(pgstore.NewTokenStore(pool))
}

func newTokensUpsertCmd() *cobra.Command {
	var (
		t             domain.Token
		supply        string
		creatorLocked string
	)

	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Insert or replace a token's configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var ok bool
			if t.TotalSupply, ok = new(big.Int).SetString(supply, 10); !ok || t.TotalSupply.Sign() < 0 {
				return fmt.Errorf("invalid --supply %q", supply)
			}
			if t.CreatorLockedAmount, ok = new(big.Int).SetString(creatorLocked, 10); !ok || t.CreatorLockedAmount.Sign() < 0 {
				return fmt.Errorf("invalid --creator-locked %q", creatorLocked)
			}
			switch t.Status {
			case domain.TokenStatusBonding, domain.TokenStatusGraduated, domain.TokenStatusInactive:
			default:
				return fmt.Errorf("invalid --status %q", t.Status)
			}
			if t.RewardTaxRate < 0 || t.JackpotTaxRate < 0 || t.BurnTaxRate < 0 || t.TotalTaxRate() <= 0 {
				return errors.New("invalid tax ratios: must be non-negative with a positive sum")
			}

			return withTokenStore(cmd, func(store storage.TokenStore) error {
				if err := store.Upsert(cmd.Context(), &t); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "upserted %s (%s)\n", t.ID, t.Mint)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&t.ID, "id", "", "Token id")
	f.StringVar(&t.Mint, "mint", "", "Mint address")
	f.Int64Var(&t.RewardTaxRate, "reward", 0, "Reward tax ratio")
	f.Int64Var(&t.JackpotTaxRate, "jackpot", 0, "Jackpot tax ratio")
	f.Int64Var(&t.BurnTaxRate, "burn", 0, "Burn tax ratio")
	f.StringVar(&supply, "supply", "0", "Total supply in raw units")
	f.Uint8Var(&t.Decimals, "decimals", 6, "Mint decimals")
	f.StringVar(&t.Status, "status", domain.TokenStatusBonding, "bonding, graduated or inactive")
	f.StringVar(&t.CreatorAddress, "creator", "", "Creator wallet")
	f.StringVar(&creatorLocked, "creator-locked", "0", "Creator allocation still locked, raw units")
	f.StringVar(&t.PoolAddress, "pool", "", "AMM pool address")
	f.StringVar(&t.VaultAddress, "vault", "", "Token vault address")
	f.StringVar(&t.BondingCurveAddress, "bonding-curve", "", "Bonding curve address")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("mint")
	return cmd
}

func newTokensListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tokens with their distribution counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTokenStore(cmd, func(store storage.TokenStore) error {
				tokens, err := store.ListByStatus(cmd.Context(), status)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tMINT\tRATES\tSTATUS\tPENDING\tJACKPOT\tQUEUE")
				for _, t := range tokens {
					fmt.Fprintf(w, "%s\t%s\t%d/%d/%d\t%s\t%s\t%s\t%d\n",
						t.ID, t.Mint, t.RewardTaxRate, t.JackpotTaxRate, t.BurnTaxRate,
						t.Status, t.DistributionPending, t.JackpotAmount, t.JackpotQueue)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", domain.TokenStatusBonding, "Status to list")
	return cmd
}
