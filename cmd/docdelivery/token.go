package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/document-delivery/internal/token"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage signed download links",
	}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var (
		email        string
		expires      time.Duration
		maxDownloads int
		allowedIPs   []string
	)

	cmd := &cobra.Command{
		Use:   "issue <reference>",
		Short: "Print a signed download link for a stored transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig("token")
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, log, false)
			if err != nil {
				return err
			}
			defer a.Close()

			reference := args[0]
			if email == "" {
				txn, err := a.store.FindTransactionByReference(ctx, reference)
				if err != nil {
					return err
				}
				email = txn.Email
			}

			grant, err := a.issuer.Issue(reference, email, token.Options{
				ExpiresIn:    expires,
				MaxDownloads: maxDownloads,
				AllowedIPs:   allowedIPs,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, grant.URL)
			fmt.Fprintf(out, "expires %s\n", grant.ExpiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "subject email (defaults to the stored transaction's)")
	cmd.Flags().DurationVar(&expires, "expires", 0, "link lifetime (defaults to TOKEN_DEFAULT_EXPIRY)")
	cmd.Flags().IntVar(&maxDownloads, "max-downloads", 0, "download limit (defaults to TOKEN_MAX_DOWNLOADS)")
	cmd.Flags().StringSliceVar(&allowedIPs, "allowed-ip", nil, "restrict the link to these client IPs")
	return cmd
}
