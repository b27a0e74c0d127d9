package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/document-delivery/internal/delivery"
	"github.com/example/document-delivery/internal/models"
	"github.com/example/document-delivery/internal/store"
)

func seedCmd() *cobra.Command {
	var skipInvalid bool

	cmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Load transaction fixtures (YAML or JSON) into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read fixtures: %w", err)
			}
			txns, err := parseFixtures(content)
			if err != nil {
				return err
			}

			cfg, log, err := loadConfig("seed")
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path, cfg.Store.Timeout, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					log.Error().Err(err).Msg("failed to close transaction store")
				}
			}()

			stored := 0
			for i := range txns {
				txn := txns[i]
				if _, err := delivery.Validate(txn.DocumentData()); err != nil {
					if skipInvalid {
						log.Warn().Err(err).Str("reference", txn.Reference).Msg("skipping invalid fixture")
						continue
					}
					return fmt.Errorf("fixture %d (%s): %w", i, txn.Reference, err)
				}
				if err := st.Put(ctx, &txn); err != nil {
					return err
				}
				stored++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d of %d transactions in %s\n", stored, len(txns), cfg.Store.Path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipInvalid, "skip-invalid", false, "log and skip fixtures that fail validation")
	return cmd
}

type fixtureFile struct {
	Transactions []models.Transaction `yaml:"transactions"`
}

// parseFixtures accepts either a bare list of transactions or a document
// with a top-level "transactions" key. JSON parses as YAML.
func parseFixtures(content []byte) ([]models.Transaction, error) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return nil, errors.New("fixtures: file is empty")
	}

	var list []models.Transaction
	if err := yaml.Unmarshal(content, &list); err == nil {
		if len(list) == 0 {
			return nil, errors.New("fixtures: no transactions found")
		}
		return list, nil
	}

	var doc fixtureFile
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("fixtures: parse: %w", err)
	}
	if len(doc.Transactions) == 0 {
		return nil, errors.New("fixtures: no transactions found")
	}
	return doc.Transactions, nil
}
