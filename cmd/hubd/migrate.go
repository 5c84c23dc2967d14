package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/config"
	"github.com/cuemby/warren/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Open (and create, if missing) the store's on-disk buckets",
	Long: `migrate opens the bbolt data file at the configured data directory,
creating every top-level bucket hubd needs if it doesn't exist yet, then
exits. Buckets are otherwise created lazily on first write; this command
exists so an operator can provision a fresh data directory (or verify an
existing one is reachable) without starting the full server.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("hubd: opening store: %w", err)
	}
	defer store.Close()

	for _, bucket := range []string{"known_feeds", "feeds_to_fetch", "subscriptions", "meta"} {
		if err := store.Put(bucket, "__migrate_probe__", nil); err != nil {
			return fmt.Errorf("hubd: provisioning bucket %s: %w", bucket, err)
		}
		if err := store.Delete(bucket, "__migrate_probe__"); err != nil {
			return fmt.Errorf("hubd: provisioning bucket %s: %w", bucket, err)
		}
	}

	fmt.Println("store ready at", cfg.DataDir)
	return nil
}
