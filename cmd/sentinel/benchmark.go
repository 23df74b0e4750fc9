package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/pipeline"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// PaySim steps are hours from the start of the simulation.
var paySimEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var benchOpts struct {
	csvPath    string
	baseURL    string
	limit      int
	workers    int
	fraudOnly  bool
	sampleRate float64
	verbose    bool
}

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Replay labelled PaySim data against a running server",
	Long: `Send PaySim transactions (with fraud labels) to POST /transactions and
compare Sentinel's alert decisions against the labels. Prints a confusion
matrix with precision, recall and throughput.`,
	RunE: runBenchmarkCmd,
}

func init() {
	f := benchmarkCmd.Flags()
	f.StringVar(&benchOpts.csvPath, "csv", "", "Path to PaySim CSV file")
	f.StringVar(&benchOpts.baseURL, "url", "http://localhost:8080", "Sentinel base URL")
	f.IntVar(&benchOpts.limit, "limit", 10000, "Maximum transactions to process (0 = all)")
	f.IntVar(&benchOpts.workers, "workers", 10, "Number of concurrent workers")
	f.BoolVar(&benchOpts.fraudOnly, "fraud-only", false, "Only send fraud transactions")
	f.Float64Var(&benchOpts.sampleRate, "sample", 1.0, "Sample rate for non-fraud rows (0.0-1.0)")
	f.BoolVarP(&benchOpts.verbose, "verbose", "v", false, "Print each transaction result")
	_ = benchmarkCmd.MarkFlagRequired("csv")

	rootCmd.AddCommand(benchmarkCmd)
}

// PaySimTransaction represents a row from the PaySim dataset.
type PaySimTransaction struct {
	Row            int
	Step           int
	Type           string
	Amount         float64
	NameOrig       string
	OldBalanceOrg  float64
	NewBalanceOrig float64
	NameDest       string
	IsFraud        bool
}

// BenchmarkMetrics tracks benchmark results.
type BenchmarkMetrics struct {
	TruePositives  int64 // fraud that raised an alert
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64 // missed fraud

	TotalProcessed int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

// Record adds one labelled prediction.
func (m *BenchmarkMetrics) Record(predicted, actual bool) {
	switch {
	case predicted && actual:
		atomic.AddInt64(&m.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&m.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&m.TrueNegatives, 1)
	default:
		atomic.AddInt64(&m.FalseNegatives, 1)
	}
}

// Precision is TP / (TP + FP), zero when nothing was flagged.
func (m *BenchmarkMetrics) Precision() float64 {
	if m.TruePositives+m.FalsePositives == 0 {
		return 0
	}
	return float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
}

// Recall is TP / (TP + FN), zero when there was no fraud.
func (m *BenchmarkMetrics) Recall() float64 {
	if m.TruePositives+m.FalseNegatives == 0 {
		return 0
	}
	return float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (m *BenchmarkMetrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func runBenchmarkCmd(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if err := checkHealth(benchOpts.baseURL); err != nil {
		return fmt.Errorf("sentinel not reachable at %s: %w", benchOpts.baseURL, err)
	}

	file, err := os.Open(benchOpts.csvPath)
	if err != nil {
		return err
	}
	defer file.Close()

	transactions, err := readPaySimCSV(file, benchOpts.limit, benchOpts.fraudOnly, benchOpts.sampleRate)
	if err != nil {
		return fmt.Errorf("failed to read CSV: %w", err)
	}
	fmt.Fprintf(out, "Loaded %d transactions from %s\n", len(transactions), benchOpts.csvPath)
	fmt.Fprintf(out, "Running benchmark with %d workers against %s\n", benchOpts.workers, benchOpts.baseURL)

	start := time.Now()
	m := runBenchmark(transactions, benchOpts.baseURL, benchOpts.workers, benchOpts.verbose, out)
	printResults(out, m, time.Since(start))
	return nil
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readPaySimCSV parses PaySim rows. Malformed rows are skipped.
func readPaySimCSV(r io.Reader, limit int, fraudOnly bool, sampleRate float64) ([]PaySimTransaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var transactions []PaySimTransaction
	sampleCounter := 0
	row := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			continue
		}

		isFraud := field(record, "isfraud") == "1"
		if fraudOnly && !isFraud {
			continue
		}
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		step, err := strconv.Atoi(field(record, "step"))
		if err != nil {
			continue
		}
		amount, err := strconv.ParseFloat(field(record, "amount"), 64)
		if err != nil {
			continue
		}
		oldBalance, _ := strconv.ParseFloat(field(record, "oldbalanceorg"), 64)
		newBalance, _ := strconv.ParseFloat(field(record, "newbalanceorig"), 64)

		transactions = append(transactions, PaySimTransaction{
			Row:            row,
			Step:           step,
			Type:           field(record, "type"),
			Amount:         amount,
			NameOrig:       field(record, "nameorig"),
			OldBalanceOrg:  oldBalance,
			NewBalanceOrig: newBalance,
			NameDest:       field(record, "namedest"),
			IsFraud:        isFraud,
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

// paySimChannel maps PaySim transaction types onto payment channels.
func paySimChannel(kind string) string {
	switch strings.ToUpper(kind) {
	case "TRANSFER":
		return domain.ChannelAPI
	case "CASH_OUT":
		return domain.ChannelUSSD
	case "PAYMENT":
		return domain.ChannelPOS
	default:
		return domain.ChannelMobileBanking
	}
}

// toRequest converts a PaySim row into an ingestion request.
func (tx PaySimTransaction) toRequest() domain.TransactionRequest {
	ts := paySimEpoch.Add(time.Duration(tx.Step) * time.Hour)
	return domain.TransactionRequest{
		ExternalID: fmt.Sprintf("paysim-%d", tx.Row),
		SenderID:   tx.NameOrig,
		ReceiverID: tx.NameDest,
		Amount:     decimal.NewFromFloat(tx.Amount),
		Currency:   domain.DefaultCurrency,
		Channel:    paySimChannel(tx.Type),
		Timestamp:  &ts,
		Metadata: map[string]any{
			"paysim_type": tx.Type,
			"old_balance": tx.OldBalanceOrg,
			"new_balance": tx.NewBalanceOrig,
			"drained":     tx.OldBalanceOrg > 0 && tx.NewBalanceOrig == 0,
		},
	}
}

func runBenchmark(transactions []PaySimTransaction, baseURL string, numWorkers int, verbose bool, out io.Writer) *BenchmarkMetrics {
	m := &BenchmarkMetrics{}
	work := make(chan PaySimTransaction, 100)
	var wg sync.WaitGroup
	var printMu sync.Mutex

	if numWorkers <= 0 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				outcome, err := ingest(client, baseURL, tx)
				atomic.AddInt64(&m.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					if verbose {
						printMu.Lock()
						fmt.Fprintf(out, "ERROR row %d: %v\n", tx.Row, err)
						printMu.Unlock()
					}
					continue
				}

				predicted := outcome.Alert != nil
				m.Record(predicted, tx.IsFraud)

				if verbose {
					mark := "ok"
					if predicted != tx.IsFraud {
						mark = "MISS"
					}
					printMu.Lock()
					fmt.Fprintf(out, "%-4s row %-8d %-8s %14.2f fraud=%-5v severity=%-8s composite=%.3f\n",
						mark, tx.Row, tx.Type, tx.Amount, tx.IsFraud,
						outcome.Result.Severity, outcome.Result.Composite)
					printMu.Unlock()
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)
	wg.Wait()

	return m
}

func ingest(client *http.Client, baseURL string, tx PaySimTransaction) (*pipeline.Outcome, error) {
	body, err := json.Marshal(tx.toRequest())
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var outcome pipeline.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return nil, err
	}
	if outcome.Result == nil {
		return nil, errors.New("response carried no score result")
	}
	return &outcome, nil
}

func printResults(out io.Writer, m *BenchmarkMetrics, duration time.Duration) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "BENCHMARK RESULTS")
	fmt.Fprintf(out, "  Processed:  %d (errors: %d)\n", m.TotalProcessed, m.TotalErrors)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Confusion matrix      alert     no alert")
	fmt.Fprintf(out, "    fraud          %9d    %9d\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(out, "    legitimate     %9d    %9d\n", m.FalsePositives, m.TrueNegatives)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Precision:  %.4f\n", m.Precision())
	fmt.Fprintf(out, "  Recall:     %.4f\n", m.Recall())
	fmt.Fprintf(out, "  F1-Score:   %.4f\n", m.F1())
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Fprintf(out, "  Avg latency: %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Fprintf(out, "  Throughput:  %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Fprintln(out)
}
