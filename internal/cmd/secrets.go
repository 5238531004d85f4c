package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soportecyclops/tienda21/internal/config"
	"github.com/soportecyclops/tienda21/internal/secrets"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the encrypted credential vault",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set [name] [value]",
	Short: "Store an encrypted credential (e.g. groq_api_key)",
	Args:  cobra.ExactArgs(2),
	RunE:  secretsSet,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential names (values not shown)",
	RunE:  secretsList,
}

var secretsAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the credential access log",
	RunE:  secretsAudit,
}

var secretsRotateCmd = &cobra.Command{
	Use:   "rotate [name]",
	Short: "Re-encrypt a credential with a fresh nonce",
	Args:  cobra.ExactArgs(1),
	RunE:  secretsRotate,
}

var auditLimit int

func init() {
	secretsAuditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum audit entries to show")
	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsListCmd)
	secretsCmd.AddCommand(secretsAuditCmd)
	secretsCmd.AddCommand(secretsRotateCmd)
	rootCmd.AddCommand(secretsCmd)
}

func openVault() (*secrets.Vault, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()
	return secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
}

func secretsSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	if err := vault.Set(ctx, args[0], []byte(args[1])); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	fmt.Printf("✓ Credential '%s' stored (encrypted at rest)\n", args[0])
	return nil
}

func secretsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	names, err := vault.List(ctx)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}
	if len(names) == 0 {
		fmt.Println("No credentials stored.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func secretsAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	records, err := vault.AuditLog(ctx, "", auditLimit)
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No access records.")
		return nil
	}
	for _, r := range records {
		status := "ok"
		if !r.Found {
			status = "MISS"
		}
		fmt.Printf("%s  %-24s  %-12s  %s\n", r.Timestamp.Format(time.RFC3339), r.Name, r.Caller, status)
	}
	return nil
}

func secretsRotate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	if err := vault.Rotate(ctx, args[0]); err != nil {
		return fmt.Errorf("rotating credential: %w", err)
	}
	fmt.Printf("✓ Credential '%s' re-encrypted\n", args[0])
	return nil
}
