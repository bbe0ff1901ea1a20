package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/keelhq/keel/internal/access"
	"github.com/keelhq/keel/internal/config"
	"github.com/keelhq/keel/internal/registry"
	"github.com/keelhq/keel/internal/user"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo models",
	RunE:  runSeedModels,
}

var seedSysadminCmd = &cobra.Command{
	Use:   "sysadmin",
	Short: "Create or promote a system administrator",
	RunE:  runSeedSysadmin,
}

var (
	seedEmail    string
	seedPassword string
	seedName     string
)

func init() {
	seedSysadminCmd.Flags().StringVar(&seedEmail, "email", "", "administrator email (required)")
	seedSysadminCmd.Flags().StringVar(&seedPassword, "password", "", "password for a new account")
	seedSysadminCmd.Flags().StringVar(&seedName, "name", "Administrator", "display name for a new account")
	_ = seedSysadminCmd.MarkFlagRequired("email")

	seedCmd.AddCommand(seedSysadminCmd)
	rootCmd.AddCommand(seedCmd)
}

var demoModels = []registry.CreateModelInput{
	{
		Name:         "GPT-4o mini",
		NameInClient: "gpt-4o-mini",
		Provider:     "openai",
		ProviderURL:  "https://api.openai.com/v1",
		Type:         "chat",
		InputPrice:   decimal.RequireFromString("0.15"),
		OutputPrice:  decimal.RequireFromString("0.60"),
	},
	{
		Name:         "GPT-4o",
		NameInClient: "gpt-4o",
		Provider:     "openai",
		ProviderURL:  "https://api.openai.com/v1",
		Type:         "chat",
		InputPrice:   decimal.RequireFromString("2.50"),
		OutputPrice:  decimal.RequireFromString("10.00"),
	},
	{
		Name:         "Llama 3.1 8B (local)",
		NameInClient: "llama3.1",
		Provider:     "ollama",
		ProviderURL:  "http://localhost:11434/v1",
		Type:         "chat",
	},
}

func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func runSeedModels(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	models := registry.NewService(registry.NewStore(pool))

	existing, _, err := models.List(ctx, registry.ModelListParams{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing models: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("models already registered, skipping seed")
		return nil
	}

	for _, input := range demoModels {
		m, err := models.Create(ctx, input)
		if err != nil {
			return fmt.Errorf("creating model %q: %w", input.NameInClient, err)
		}
		slog.Info("registered model", "name_in_client", m.NameInClient, "id", m.ID)
	}

	fmt.Printf("\n=== Demo Models Seeded ===\n")
	fmt.Printf("Models: %d registered\n", len(demoModels))
	fmt.Printf("\nNext: keel seed sysadmin --email you@example.com --password <password>\n")
	return nil
}

func runSeedSysadmin(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	users := user.NewStore(pool, cfg.Auth.SessionTTL)

	existing, err := users.GetByEmail(ctx, seedEmail)
	switch {
	case err == nil:
		role := access.RoleSysadmin
		u, err := users.Update(ctx, existing.ID, user.UpdateUserInput{SystemRole: &role})
		if err != nil {
			return fmt.Errorf("promoting %s: %w", seedEmail, err)
		}
		slog.Info("promoted user to sysadmin", "id", u.ID, "email", u.Email)
		return nil
	case !user.IsNotFound(err):
		return err
	}

	if len(seedPassword) < 8 {
		return errors.New("--password of at least 8 characters is required for a new account")
	}
	u, err := users.Create(ctx, user.CreateUserInput{
		Email:      seedEmail,
		Password:   seedPassword,
		Name:       seedName,
		SystemRole: access.RoleSysadmin,
	})
	if err != nil {
		return fmt.Errorf("creating sysadmin: %w", err)
	}
	slog.Info("created sysadmin", "id", u.ID, "email", u.Email)
	return nil
}
