package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncular/syncd/internal/api"
	"github.com/syncular/syncd/internal/auth"
	"github.com/syncular/syncd/internal/chunkstore"
	"github.com/syncular/syncd/internal/commitlog"
	"github.com/syncular/syncd/internal/syncdb"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run one compact + prune + chunk sweep pass and exit",
	RunE:  runMaintenance,
}

func init() {
	flags := maintenanceCmd.Flags()
	flags.String("db", "", "database path (overrides SYNCD_DB_PATH)")
}

func runMaintenance(cmd *cobra.Command, args []string) error {
	cfg := api.LoadConfig()
	cfg.DBPath = stringFlag(cmd.Flags(), "db", cfg.DBPath)
	setupLogging(cfg.LogFormat, cfg.LogLevel)

	db, err := api.OpenDatabase(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer syncdb.Close(db)

	compacted, err := commitlog.Compact(db, commitlog.CompactOptions{FullHistory: cfg.CompactFullHistory})
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	pruned, err := commitlog.PruneCommits(db, commitlog.PruneOptions{
		ActiveWindow:   cfg.PruneMaxAge,
		KeepNewest:     cfg.PruneKeepNewest,
		FallbackMaxAge: cfg.PruneMaxAge,
	})
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	chunks := &chunkstore.Store{TTL: cfg.ChunkTTL}
	swept, err := chunks.CleanupExpired(db, time.Now())
	if err != nil {
		return fmt.Errorf("sweep chunks: %w", err)
	}

	slog.Info("maintenance complete", "compacted", compacted, "pruned", pruned, "chunks_swept", swept)
	return nil
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Token administration",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create <actor-id>",
	Short: "Mint an API token for an actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := api.LoadConfig()
		cfg.DBPath = stringFlag(cmd.Flags(), "db", cfg.DBPath)

		db, err := api.OpenDatabase(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer syncdb.Close(db)

		name, _ := cmd.Flags().GetString("name")
		ttl, _ := cmd.Flags().GetDuration("expires-in")

		store := &auth.Store{DB: db}
		token, err := store.CreateToken(args[0], name, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCreateCmd.Flags().String("db", "", "database path (overrides SYNCD_DB_PATH)")
	tokenCreateCmd.Flags().String("name", "", "token label")
	tokenCreateCmd.Flags().Duration("expires-in", 0, "token lifetime (0 = no expiry)")
	tokenCmd.AddCommand(tokenCreateCmd)
}
