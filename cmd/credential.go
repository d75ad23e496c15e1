package cmd

import (
	"context"
	"fmt"
	"time"

	domainCredential "github.com/AzielCF/az-publish/domains/credential"
	"github.com/AzielCF/az-publish/validations"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage platform credentials",
}

var credentialRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Store a new access token and mark the credential healthy",
	RunE:  credentialRefresh,
}

var credentialRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Mark a credential revoked so it is never used again",
	RunE:  credentialRevoke,
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials and their health",
	RunE:  credentialList,
}

func init() {
	for _, c := range []*cobra.Command{credentialRefreshCmd, credentialRevokeCmd} {
		c.Flags().String("tenant", "", "tenant id")
		c.Flags().String("platform", "", "platform, e.g. instagram")
		c.Flags().String("account", "", "platform account id")
		_ = c.MarkFlagRequired("tenant")
		_ = c.MarkFlagRequired("platform")
		_ = c.MarkFlagRequired("account")
	}
	credentialRefreshCmd.Flags().String("token", "", "new access token")
	credentialRefreshCmd.Flags().String("expires-at", "", "token expiry in RFC 3339, e.g. 2026-12-31T00:00:00Z")
	credentialRefreshCmd.Flags().StringToString("meta", nil, "metadata, e.g. --meta endpoint=https://shop.example.com/hooks/posts")
	_ = credentialRefreshCmd.MarkFlagRequired("token")
	credentialRevokeCmd.Flags().String("reason", "revoked by operator", "reason recorded on the credential")
	credentialListCmd.Flags().String("tenant", "", "only this tenant")

	credentialCmd.AddCommand(credentialRefreshCmd, credentialRevokeCmd, credentialListCmd)
	rootCmd.AddCommand(credentialCmd)
}

func keyFromFlags(cmd *cobra.Command) domainCredential.Key {
	tenant, _ := cmd.Flags().GetString("tenant")
	platform, _ := cmd.Flags().GetString("platform")
	account, _ := cmd.Flags().GetString("account")
	return domainCredential.Key{TenantID: tenant, Platform: platform, AccountID: account}
}

func credentialRefresh(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	req := domainCredential.RefreshRequest{Key: keyFromFlags(cmd)}
	req.AccessToken, _ = cmd.Flags().GetString("token")
	req.Metadata, _ = cmd.Flags().GetStringToString("meta")
	if raw, _ := cmd.Flags().GetString("expires-at"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("--expires-at: %w", err)
		}
		at = at.UTC()
		req.ExpiresAt = &at
	}
	if err := validations.ValidateCredentialRefresh(ctx, req); err != nil {
		return err
	}

	app, err := initStores(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	cred, err := app.creds.Refresh(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s/%s refreshed, health %s\n", cred.TenantID, cred.Platform, cred.AccountID, cred.Health)
	return nil
}

func credentialRevoke(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	req := domainCredential.RevokeRequest{Key: keyFromFlags(cmd)}
	req.Reason, _ = cmd.Flags().GetString("reason")
	if err := validations.ValidateCredentialRevoke(ctx, req); err != nil {
		return err
	}

	app, err := initStores(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.creds.MarkRevoked(ctx, req.Key, req.Reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s/%s revoked\n", req.TenantID, req.Platform, req.AccountID)
	return nil
}

func credentialList(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	tenant, _ := cmd.Flags().GetString("tenant")

	app, err := initStores(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	creds, err := app.creds.List(ctx, tenant)
	if err != nil {
		return err
	}
	now := time.Now()
	out := cmd.OutOrStdout()
	for _, c := range creds {
		expiry := "no expiry"
		if c.ExpiresAt != nil {
			expiry = "expires " + humanize.RelTime(*c.ExpiresAt, now, "ago", "from now")
		}
		fmt.Fprintf(out, "%-12s %-10s %-24s %-9s active=%t posting=%t %s %s\n",
			c.TenantID, c.Platform, c.AccountID, c.Health, c.IsActive, c.PostingEnabled, expiry, c.HealthReason)
	}
	return nil
}
