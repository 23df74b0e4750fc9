package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/opensource-finance/sentinel/internal/config"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/logging"
	"github.com/opensource-finance/sentinel/internal/ml"
	"github.com/opensource-finance/sentinel/internal/pipeline"
	"github.com/opensource-finance/sentinel/internal/rules"
	"github.com/opensource-finance/sentinel/internal/scoring"
	"github.com/opensource-finance/sentinel/internal/velocity"
	"github.com/spf13/cobra"
)

var (
	scoreFile  string
	scoreRules string
	scoreOut   string
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a JSON-lines file of transactions offline",
	Long: `Replay transactions from a JSON-lines file through the scorer in file
order, without a database, cache or bus. Each line is a transaction request;
each output line is the score result and alert decision for it.`,
	RunE: runScore,
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreFile, "file", "f", "", "JSON-lines file of transactions (- for stdin)")
	scoreCmd.Flags().StringVar(&scoreRules, "rules", "", "JSON file with a rule array (default: built-in rules)")
	scoreCmd.Flags().StringVarP(&scoreOut, "out", "o", "", "Write results here instead of stdout")
	_ = scoreCmd.MarkFlagRequired("file")
}

// scoredLine is one output record.
type scoredLine struct {
	Line   int                   `json:"line"`
	Result *domain.ScoreResult   `json:"result,omitempty"`
	Alert  *domain.AlertDecision `json:"alert,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// replaySummary is printed to stderr when the replay finishes.
type replaySummary struct {
	Scored     int                     `json:"scored"`
	Failed     int                     `json:"failed"`
	Alerts     int                     `json:"alerts"`
	BySeverity map[domain.Severity]int `json:"bySeverity"`
	Mode       domain.ScoringMode      `json:"mode"`
	ElapsedMs  int64                   `json:"elapsedMs"`
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// Results own stdout; logs go to stderr
	slog.SetDefault(logging.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))

	ruleSet := rules.DefaultRules()
	if scoreRules != "" {
		if ruleSet, err = readRules(scoreRules); err != nil {
			return err
		}
	}

	engine, err := rules.NewEngine(cfg.Scoring.MaxWorkers)
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := engine.ReloadRules(ruleSet); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	tracker := velocity.NewTracker(velocity.ConfigFromScoring(cfg.Scoring))
	scorer, err := scoring.NewScorer(cfg.Scoring, engine, tracker, ml.NewBridge(cfg.Scoring))
	if err != nil {
		return err
	}
	pipe := pipeline.New(scorer, engine, pipeline.Options{})

	in, err := openInput(scoreFile)
	if err != nil {
		return err
	}
	defer in.Close()

	out := io.Writer(os.Stdout)
	if scoreOut != "" {
		f, err := os.Create(scoreOut)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	summary, err := replay(cmd.Context(), pipe, in, out)
	if err != nil {
		return err
	}
	if scorer.MLActive() {
		summary.Mode = domain.ModeML
	} else {
		summary.Mode = domain.ModeRules
	}

	enc := json.NewEncoder(os.Stderr)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// replay scores every line of in and writes one JSON line per input line
// to out. Malformed or invalid lines are reported inline and counted.
func replay(ctx context.Context, pipe *pipeline.Pipeline, in io.Reader, out io.Writer) (*replaySummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	summary := &replaySummary{BySeverity: map[domain.Severity]int{}}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	enc := json.NewEncoder(out)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		record := scoredLine{Line: line}
		var req domain.TransactionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			record.Error = "malformed JSON: " + err.Error()
		} else if outcome, err := pipe.Ingest(ctx, req.ToTransaction(time.Now())); err != nil {
			record.Error = err.Error()
		} else {
			record.Result = outcome.Result
			record.Alert = outcome.Alert
		}

		if record.Error != "" {
			summary.Failed++
		} else {
			summary.Scored++
			summary.BySeverity[record.Result.Severity]++
			if record.Alert != nil {
				summary.Alerts++
			}
		}
		if err := enc.Encode(record); err != nil {
			return nil, fmt.Errorf("failed to write result: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read line %d: %w", line+1, err)
	}

	summary.ElapsedMs = time.Since(start).Milliseconds()
	return summary, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func readRules(path string) ([]*domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var ruleSet []*domain.Rule
	if err := json.Unmarshal(data, &ruleSet); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	for _, rule := range ruleSet {
		if rule.ID == "" {
			rule.ID = rule.Code
		}
	}
	return ruleSet, nil
}
