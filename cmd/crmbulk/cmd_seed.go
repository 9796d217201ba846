package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/crmbulk/internal/store"
)

var (
	seedDataDir     string
	seedEntityType  string
	seedCount       int
	seedRequestFile string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create demo records in the local database",
	Long: `Create demo records directly in the SQLite database under --data-dir.
With --request-file, also write a JSON array of updates for every seeded record,
ready for "crmbulk submit --file".`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedCount <= 0 {
			return fmt.Errorf("--count must be > 0")
		}
		t := store.EntityType(seedEntityType)
		if !t.Valid() {
			return fmt.Errorf("unknown entity type %q", seedEntityType)
		}

		db, err := store.Open(seedDataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
		s := store.NewStore(db)
		defer s.Close()

		ctx := context.Background()
		updates := make([]map[string]any, 0, seedCount)
		for i := 0; i < seedCount; i++ {
			id := store.NewEntityID()
			if err := s.CreateEntity(ctx, t, id, seedFields(t, i, "")); err != nil {
				return err
			}
			u := map[string]any{"_id": id, "version": 0}
			for k, v := range seedFields(t, i, "updated-") {
				u[k] = v
			}
			updates = append(updates, u)
		}
		total, err := s.CountEntities(ctx, t)
		if err != nil {
			return err
		}
		fmt.Printf("Seeded %d %s records (%d in total)\n", seedCount, t, total)

		if seedRequestFile == "" {
			return nil
		}
		b, err := json.MarshalIndent(updates, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(seedRequestFile, b, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", seedRequestFile, err)
		}
		fmt.Printf("Wrote %d updates to %s\n", len(updates), seedRequestFile)
		return nil
	},
}

// seedFields returns demo values for the columns of t. Emails embed i so
// seeded records never collide.
func seedFields(t store.EntityType, i int, prefix string) map[string]string {
	fields := make(map[string]string)
	for _, c := range t.Columns() {
		switch c {
		case "email":
			fields[c] = fmt.Sprintf("%suser-%04d-%s@example.com", prefix, i, store.NewEntityID()[16:])
		case "phone":
			fields[c] = fmt.Sprintf("+1 555 %04d", i)
		default:
			fields[c] = fmt.Sprintf("%s%s %d", prefix, c, i)
		}
	}
	return fields
}

func init() {
	seedCmd.Flags().StringVar(&seedDataDir, "data-dir", envString("CRMBULK_DATA_DIR", "data"), "Directory of the server's SQLite database")
	seedCmd.Flags().StringVar(&seedEntityType, "entity-type", "Contact", "Entity type: Contact, Company, Lead, Opportunity, Task")
	seedCmd.Flags().IntVar(&seedCount, "count", 100, "Records to create")
	seedCmd.Flags().StringVar(&seedRequestFile, "request-file", "", "Write a submit-ready update array for the seeded records to this file")
	rootCmd.AddCommand(seedCmd)
}
