package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/extractor"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/keypool"
	"github.com/therealutkarshpriyadarshi/ocrbatch/pkg/models"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "keyctl",
	Short: "Manage the OCR batch API key pool",
	Long: `keyctl manages the API key pool used by the batch processor:
listing keys, adding and removing them, resetting key state and
migrating legacy key files to the canonical format.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.AddCommand(listCmd, addCmd, removeCmd, resetCmd, statsCmd, testCmd, migrateCmd)
}

func loadPool() (*keypool.Pool, *keypool.Store, *config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	store := keypool.NewStore(cfg.Keys.File, cfg.Keys.EnvPrefix)
	records, err := store.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	pool := keypool.New(records, keypool.Options{
		Strategy: models.RotationStrategy(cfg.Keys.RotationStrategy),
		DailyCap: cfg.RateLimit.RequestsPerDay,
		Cooldown: cfg.Keys.Cooldown(),
	}, store)
	return pool, store, cfg, nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, _, _, err := loadPool()
		if err != nil {
			return err
		}

		stats := pool.Monitor()
		if stats.TotalKeys == 0 {
			fmt.Println("No API keys configured")
			return nil
		}

		fmt.Printf("%-20s %-12s %-10s\n", "ALIAS", "KEY HASH", "STATUS")
		for _, k := range stats.Keys {
			fmt.Printf("%-20s %-12s %-10s\n", k.Alias, k.KeyHash, k.Status)
		}
		fmt.Printf("\n%d keys (%d active)\n", stats.TotalKeys, stats.ActiveKeys)
		return nil
	},
}

var addAlias string

var addCmd = &cobra.Command{
	Use:   "add <key>",
	Short: "Add an API key to the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, _, _, err := loadPool()
		if err != nil {
			return err
		}

		alias := addAlias
		if alias == "" {
			alias = fmt.Sprintf("key%d", pool.Len()+1)
		}
		if err := pool.Add(args[0], alias); err != nil {
			return err
		}

		fmt.Printf("Added key %q\n", alias)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <alias>",
	Short: "Remove an API key from the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, _, _, err := loadPool()
		if err != nil {
			return err
		}
		if err := pool.Remove(args[0]); err != nil {
			return err
		}

		fmt.Printf("Removed key %q\n", args[0])
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <alias>",
	Short: "Reset a key's status and usage counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, store, cfg, err := loadPool()
		if err != nil {
			return err
		}
		if err := pool.Reset(args[0]); err != nil {
			return err
		}
		if cfg.Keys.StatsFile != "" {
			if err := store.WriteStats(cfg.Keys.StatsFile, pool.Snapshot()); err != nil {
				return fmt.Errorf("write stats: %w", err)
			}
		}

		fmt.Printf("Reset key %q\n", args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show persisted key usage statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, cfg, err := loadPool()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(cfg.Keys.StatsFile)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No statistics recorded yet")
				return nil
			}
			return err
		}

		var snap models.StatsSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("parse stats file: %w", err)
		}

		fmt.Printf("Last updated: %s\n", snap.LastUpdated.Format("2006-01-02 15:04:05"))
		fmt.Printf("Total requests: %d (%d successful)\n", snap.TotalRequests, snap.SuccessfulRequests)
		fmt.Printf("%-20s %-10s %-10s %-10s %-8s\n", "ALIAS", "TOTAL", "SUCCESS", "FAILED", "RATE")
		for _, k := range snap.Keys {
			fmt.Printf("%-20s %-10d %-10d %-10d %6.1f%%\n",
				k.Alias, k.TotalRequests, k.SuccessfulRequests, k.FailedRequests, k.SuccessRate)
		}
		return nil
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Verify every API key against the extraction API",
	Long: `Sends a minimal request with each configured key to confirm it is
accepted. Each check spends one request of the key's quota.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store := keypool.NewStore(cfg.Keys.File, cfg.Keys.EnvPrefix)
		records, err := store.Load()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No API keys configured")
			return nil
		}

		client := extractor.NewClient(cfg.Extractor)
		failed := 0
		for _, rec := range records {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := client.Verify(ctx, rec.Key)
			cancel()

			if err != nil {
				fmt.Printf("%-20s FAILED: %v\n", rec.Alias, err)
				failed++
			} else {
				fmt.Printf("%-20s OK\n", rec.Alias)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d keys failed verification", failed, len(records))
		}
		fmt.Printf("\nAll %d keys verified\n", len(records))
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <legacy-file>",
	Short: "Import keys from a legacy key file",
	Long: `Reads a legacy key file (plain map, string list or object list)
and rewrites it into the canonical key file named in the configuration.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		records, err := keypool.MigrateLegacy(data)
		if err != nil {
			return err
		}

		store := keypool.NewStore(cfg.Keys.File, cfg.Keys.EnvPrefix)
		if err := store.Save(records); err != nil {
			return err
		}

		fmt.Printf("Migrated %d keys to %s\n", len(records), cfg.Keys.File)
		return nil
	},
}

func main() {
	addCmd.Flags().StringVar(&addAlias, "alias", "", "alias for the new key")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
