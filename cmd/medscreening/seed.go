package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tehqua/medscreening/internal/embedding"
	"github.com/tehqua/medscreening/internal/records"
)

var seedCmd = &cobra.Command{
	Use:   "seed-records [file]",
	Short: "Load patient records from a JSON file into the record store",
	Long: `Reads a JSON array of records and stores each with its embedding.

Expected entry shape:
  {
    "id": "rec-1",                  // optional, generated when absent
    "patient_id": "Jane1_Doe2_...",
    "category": "medication",
    "recorded_at": "2026-03-11T09:00:00Z",
    "content": "metformin 500mg twice daily"
  }`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

type seedRecord struct {
	ID         string    `json:"id"`
	PatientID  string    `json:"patient_id"`
	Category   string    `json:"category"`
	RecordedAt time.Time `json:"recorded_at"`
	Content    string    `json:"content"`
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var entries []seedRecord
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Records.EmbeddingProvider,
		OllamaEndpoint: cfg.Records.EmbeddingEndpoint,
		OllamaModel:    cfg.Records.EmbeddingModel,
		GenAIAPIKey:    cfg.Records.GenAIAPIKey,
	})
	if err != nil {
		return err
	}

	store, err := records.Open(cfg.Records.DBPath, engine, logger.Named("records"))
	if err != nil {
		return err
	}
	defer store.Close()

	recs := make([]records.Record, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		recs = append(recs, records.Record{
			ID:         e.ID,
			PatientID:  e.PatientID,
			Category:   e.Category,
			RecordedAt: e.RecordedAt,
			Content:    e.Content,
		})
	}

	if err := store.Seed(cmd.Context(), recs); err != nil {
		return err
	}

	logger.Info("records seeded", zap.Int("count", len(recs)), zap.String("db", cfg.Records.DBPath))
	return nil
}
