package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"academia-validator/config"
	"academia-validator/services"
	"academia-validator/storage"
)

func main() {
	root := &cobra.Command{
		Use:   "registryctl",
		Short: "Administer the certificate registry",
	}

	root.AddCommand(newImportCmd(), newRevokeCmd(), newLookupCmd(), newHashCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// env bündelt, was jeder Datenbank-Befehl braucht.
type env struct {
	cfg    *config.Config
	db     *gorm.DB
	logger *zap.Logger
}

func openEnv() (*env, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.OpenDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &env{cfg: cfg, db: db, logger: logger}, nil
}

func (e *env) registry(ctx context.Context) (*services.RegistryService, error) {
	issuers := services.NewIssuerDirectory(e.db, e.logger)
	if err := issuers.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load issuers: %w", err)
	}
	return services.NewRegistryService(e.db, e.cfg.RegistryTimeout, issuers, e.logger), nil
}

func newImportCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import issued certificates from a bulk issuance CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			entries, issues, err := services.ParseRegistryCSV(f)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			for _, issue := range issues {
				fmt.Fprintf(os.Stderr, "Skipped %s\n", issue)
			}
			if dryRun {
				fmt.Fprintf(os.Stderr, "%d entries parsed, nothing written (dry run)\n", len(entries))
				return nil
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			e, err := openEnv()
			if err != nil {
				return err
			}
			registry, err := e.registry(ctx)
			if err != nil {
				return err
			}
			result, err := registry.Import(ctx, entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Inserted %d, skipped %d existing certificate ids\n", result.Inserted, result.Skipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only parse and validate the file")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke <certificate-id>",
		Short: "Revoke an issued certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			e, err := openEnv()
			if err != nil {
				return err
			}
			registry, err := e.registry(ctx)
			if err != nil {
				return err
			}
			entry, err := registry.Revoke(ctx, args[0], reason)
			if errors.Is(err, services.ErrAlreadyRevoked) {
				fmt.Fprintf(os.Stderr, "%s was already revoked at %v\n", entry.CertificateID, entry.RevokedAt)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Revoked %s\n", entry.CertificateID)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "revocation reason shown to verifiers")
	return cmd
}

func newLookupCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "lookup <certificate-id>",
		Short: "Show a registry entry, optionally comparing a document's hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			e, err := openEnv()
			if err != nil {
				return err
			}
			registry, err := e.registry(ctx)
			if err != nil {
				return err
			}

			var hash string
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				hash = services.ContentHash(data)
			}
			res, err := registry.Lookup(ctx, args[0], hash)
			if err != nil {
				return err
			}

			out := map[string]interface{}{"entry": res.Entry}
			if file != "" {
				out["content_hash"] = hash
				out["hash_match"] = res.HashMatch
			}
			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "document whose content hash is compared")
	return cmd
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>...",
		Short: "Print the content hash used as issuance record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s\n", services.ContentHash(data), path)
			}
			return nil
		},
	}
}
