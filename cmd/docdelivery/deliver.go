package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func deliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver <reference>",
		Short: "Render and deliver the document for a stored transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig("deliver")
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, log, false)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.orch.DeliverReference(ctx, args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			if !result.Success {
				return errors.New("delivery failed")
			}
			return nil
		},
	}
}
