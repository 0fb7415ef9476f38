// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/danielhkuo/publix/models"
)

// Fixtures is the on-disk format for studies loaded at start-up.
type Fixtures struct {
	Studies []StudyFixture  `json:"studies"`
	Workers []models.Worker `json:"workers"`
}

type StudyFixture struct {
	models.Study
	Members    []string           `json:"members"`
	Components []models.Component `json:"components"`
	Batches    []models.Batch     `json:"batches"`
}

// LoadFixturesFile reads a fixtures file and loads it.
func LoadFixturesFile(ctx context.Context, store *Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixtures: %w", err)
	}

	var f Fixtures
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	return LoadFixtures(ctx, store, &f)
}

// LoadFixtures inserts studies, their members, components, batches and the listed
// workers in one transaction. Rows whose id already exists are left untouched.
func LoadFixtures(ctx context.Context, store *Store, f *Fixtures) error {
	now := time.Now().UTC()

	err := store.InTx(ctx, func(q *Queries) error {
		for i := range f.Studies {
			sf := &f.Studies[i]
			if sf.ID == "" || sf.UUID == "" {
				return fmt.Errorf("study %d: id and uuid are required", i)
			}
			if sf.CreatedAt.IsZero() {
				sf.CreatedAt = now
			}
			if err := q.InsertStudy(ctx, &sf.Study); err != nil {
				return fmt.Errorf("insert study %s: %w", sf.ID, err)
			}
			for _, email := range sf.Members {
				if err := q.AddStudyMember(ctx, sf.ID, email); err != nil {
					return fmt.Errorf("insert member %s: %w", email, err)
				}
			}
			for j := range sf.Components {
				c := &sf.Components[j]
				c.StudyID = sf.ID
				if err := q.InsertComponent(ctx, c); err != nil {
					return fmt.Errorf("insert component %s: %w", c.ID, err)
				}
			}
			for j := range sf.Batches {
				b := &sf.Batches[j]
				b.StudyID = sf.ID
				if err := q.InsertBatch(ctx, b); err != nil {
					return fmt.Errorf("insert batch %s: %w", b.ID, err)
				}
			}
		}

		for i := range f.Workers {
			w := &f.Workers[i]
			if w.CreatedAt.IsZero() {
				w.CreatedAt = now
			}
			if err := q.InsertWorker(ctx, w); err != nil {
				return fmt.Errorf("insert worker %s: %w", w.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("fixtures loaded", "studies", len(f.Studies), "workers", len(f.Workers))
	return nil
}
