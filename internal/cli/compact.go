package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bmorphism/patternmesh/internal/config"
	"github.com/bmorphism/patternmesh/internal/store"
)

var compactDays int

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Delete patterns older than the retention window",
	Long:  "Offline compaction against the database file. Knowledge entries are never removed; only raw pattern rows age out.",
	RunE:  runCompact,
}

func init() {
	compactCmd.Flags().IntVar(&compactDays, "days", 0, "retention in days (default from config)")
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	retention := cfg.Retention()
	if compactDays > 0 {
		retention = time.Duration(compactDays) * 24 * time.Hour
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	removed, err := db.CompactPatterns(time.Now().Add(-retention))
	if err != nil {
		return err
	}
	fmt.Printf("removed %d patterns older than %s\n", removed, retention)
	return nil
}
