package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dlchats/accounts-bridge/internal/biz/domain"
	"github.com/dlchats/accounts-bridge/internal/data"
)

func newStoreCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the persisted message store",
	}
	cmd.AddCommand(newStoreDumpCmd(f))
	return cmd
}

func newStoreDumpCmd(f *flags) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print persisted messages as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}

			archive, err := data.NewArchive(cfg.Store.Backend, cfg.Store.DataDir)
			if err != nil {
				return err
			}
			defer archive.Close()

			records, corrupted, err := archive.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load message store: %w", err)
			}
			for _, c := range corrupted {
				log.Warn().Err(c).Msg("Skipping corrupt record")
			}

			var out any = records
			if accountID != "" {
				msgs, ok := records[accountID]
				if !ok {
					return fmt.Errorf("account %s: %w", accountID, domain.ErrSessionNotFound)
				}
				out = msgs
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "only this account")
	return cmd
}
