package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/pipeline"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/rules"
	"github.com/opensource-finance/sentinel/internal/scoring"
	"github.com/opensource-finance/sentinel/internal/velocity"
)

func newReplayPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	cfg := domain.DefaultScoringConfig()
	cfg.MLEnabled = false

	engine, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.ReloadRules(rules.DefaultRules()); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	scorer, err := scoring.NewScorer(cfg, engine, velocity.NewTracker(velocity.ConfigFromScoring(cfg)), nil)
	if err != nil {
		t.Fatalf("failed to create scorer: %v", err)
	}
	return pipeline.New(scorer, engine, pipeline.Options{})
}

func TestReplay(t *testing.T) {
	input := strings.Join([]string{
		`{"senderId":"s1","receiverId":"r1","amount":120,"channel":"pos","timestamp":"2026-01-05T10:00:00Z"}`,
		``,
		`{"senderId":"s1","receiverId":"r2","amount":250000,"channel":"api","timestamp":"2026-01-05T10:01:00Z"}`,
		`not json`,
		`{"receiverId":"r3","amount":10,"channel":"pos"}`,
	}, "\n")

	var out bytes.Buffer
	summary, err := replay(context.Background(), newReplayPipeline(t), strings.NewReader(input), &out)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if summary.Scored != 2 {
		t.Errorf("expected 2 scored, got %d", summary.Scored)
	}
	if summary.Failed != 2 {
		t.Errorf("expected 2 failed, got %d", summary.Failed)
	}

	var records []scoredLine
	dec := json.NewDecoder(&out)
	for dec.More() {
		var rec scoredLine
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("bad output line: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 output records, got %d", len(records))
	}

	wantLines := []int{1, 3, 4, 5}
	for i, rec := range records {
		if rec.Line != wantLines[i] {
			t.Errorf("record %d: expected line %d, got %d", i, wantLines[i], rec.Line)
		}
	}

	if records[0].Result == nil || records[0].Result.Composite >= records[1].Result.Composite {
		t.Error("expected the large API transfer to outscore the small POS payment")
	}
	if !strings.Contains(records[2].Error, "malformed JSON") {
		t.Errorf("expected malformed JSON error, got %q", records[2].Error)
	}
	if !strings.Contains(records[3].Error, "senderId") {
		t.Errorf("expected missing sender error, got %q", records[3].Error)
	}
}

func TestLoadRules(t *testing.T) {
	ctx := context.Background()

	t.Run("SeedsEmptyRepository", func(t *testing.T) {
		repo, err := repository.New(domain.RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "seed.db"),
		})
		if err != nil {
			t.Fatalf("failed to create repository: %v", err)
		}
		defer repo.Close()

		engine, _ := rules.NewEngine(2)
		if err := loadRules(ctx, repo, engine); err != nil {
			t.Fatalf("loadRules failed: %v", err)
		}

		want := len(rules.DefaultRules())
		if engine.RulesCount() != want {
			t.Errorf("expected %d loaded rules, got %d", want, engine.RulesCount())
		}
		stored, _ := repo.ListRules(ctx)
		if len(stored) != want {
			t.Errorf("expected %d stored rules, got %d", want, len(stored))
		}

		// A second start must not reseed a deactivated rule.
		if err := repo.DeactivateRule(ctx, stored[0].ID); err != nil {
			t.Fatalf("DeactivateRule failed: %v", err)
		}
		if err := loadRules(ctx, repo, engine); err != nil {
			t.Fatalf("loadRules failed: %v", err)
		}
		if engine.RulesCount() != want-1 {
			t.Errorf("expected %d loaded rules, got %d", want-1, engine.RulesCount())
		}
	})

	t.Run("NoRepository", func(t *testing.T) {
		engine, _ := rules.NewEngine(2)
		if err := loadRules(ctx, nil, engine); err != nil {
			t.Fatalf("loadRules failed: %v", err)
		}
		if engine.RulesCount() != len(rules.DefaultRules()) {
			t.Errorf("expected default rules, got %d", engine.RulesCount())
		}
	})
}

func TestRedact(t *testing.T) {
	if redact("") != "" {
		t.Error("expected empty secret to stay empty")
	}
	if redact("hunter2") == "hunter2" {
		t.Error("expected secret to be masked")
	}
}
