package main

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/pipeline"
)

const paySimSample = `step,type,amount,nameOrig,oldbalanceOrg,newbalanceOrig,nameDest,oldbalanceDest,newbalanceDest,isFraud,isFlaggedFraud
1,PAYMENT,9839.64,C1231006815,170136.0,160296.36,M1979787155,0.0,0.0,0,0
1,TRANSFER,181.0,C1305486145,181.0,0.0,C553264065,0.0,0.0,1,0
1,CASH_OUT,181.0,C840083671,181.0,0.0,C38997010,21182.0,0.0,1,0
2,PAYMENT,oops,C2048537720,41554.0,29885.86,M1230701703,0.0,0.0,0,0
3,DEBIT,5337.77,C712410124,41720.0,36382.23,C195600860,41898.0,40348.79,0,0
`

func TestReadPaySimCSV(t *testing.T) {
	t.Run("ParsesAndSkipsMalformed", func(t *testing.T) {
		txs, err := readPaySimCSV(strings.NewReader(paySimSample), 0, false, 1.0)
		if err != nil {
			t.Fatalf("readPaySimCSV failed: %v", err)
		}
		if len(txs) != 4 {
			t.Fatalf("expected 4 rows, got %d", len(txs))
		}
		if txs[1].Type != "TRANSFER" || !txs[1].IsFraud || txs[1].Amount != 181.0 {
			t.Errorf("unexpected row %+v", txs[1])
		}
		if txs[3].Row != 5 || txs[3].Step != 3 {
			t.Errorf("expected row 5 at step 3, got %+v", txs[3])
		}
	})

	t.Run("FraudOnly", func(t *testing.T) {
		txs, _ := readPaySimCSV(strings.NewReader(paySimSample), 0, true, 1.0)
		if len(txs) != 2 {
			t.Errorf("expected 2 fraud rows, got %d", len(txs))
		}
	})

	t.Run("Limit", func(t *testing.T) {
		txs, _ := readPaySimCSV(strings.NewReader(paySimSample), 2, false, 1.0)
		if len(txs) != 2 {
			t.Errorf("expected 2 rows, got %d", len(txs))
		}
	})

	t.Run("MissingColumn", func(t *testing.T) {
		_, err := readPaySimCSV(strings.NewReader("step,type\n1,PAYMENT\n"), 0, false, 1.0)
		if err == nil {
			t.Error("expected error for missing columns")
		}
	})
}

func TestPaySimRequest(t *testing.T) {
	tx := PaySimTransaction{Row: 7, Step: 5, Type: "CASH_OUT", Amount: 250.5, NameOrig: "C1", NameDest: "C2", OldBalanceOrg: 250.5}
	req := tx.toRequest()

	if req.ExternalID != "paysim-7" {
		t.Errorf("expected external id paysim-7, got %s", req.ExternalID)
	}
	if req.Channel != domain.ChannelUSSD {
		t.Errorf("expected ussd channel, got %s", req.Channel)
	}
	if got := req.Timestamp.Sub(paySimEpoch).Hours(); got != 5 {
		t.Errorf("expected step offset of 5h, got %v", got)
	}
	if req.Metadata["drained"] != true {
		t.Error("expected drained flag")
	}
	if paySimChannel("TRANSFER") != domain.ChannelAPI || paySimChannel("PAYMENT") != domain.ChannelPOS {
		t.Error("unexpected channel mapping")
	}
}

func TestBenchmarkMetrics(t *testing.T) {
	m := &BenchmarkMetrics{}
	m.Record(true, true)
	m.Record(true, true)
	m.Record(true, false)
	m.Record(false, true)
	m.Record(false, false)

	if m.TruePositives != 2 || m.FalsePositives != 1 || m.FalseNegatives != 1 || m.TrueNegatives != 1 {
		t.Fatalf("unexpected matrix %+v", m)
	}
	if math.Abs(m.Precision()-2.0/3.0) > 1e-9 {
		t.Errorf("expected precision 2/3, got %v", m.Precision())
	}
	if math.Abs(m.Recall()-2.0/3.0) > 1e-9 {
		t.Errorf("expected recall 2/3, got %v", m.Recall())
	}
	if math.Abs(m.F1()-2.0/3.0) > 1e-9 {
		t.Errorf("expected F1 2/3, got %v", m.F1())
	}

	empty := &BenchmarkMetrics{}
	if empty.Precision() != 0 || empty.Recall() != 0 || empty.F1() != 0 {
		t.Error("expected zero metrics with no predictions")
	}
}

func TestRunBenchmark(t *testing.T) {
	// Alerts on every TRANSFER, which catches one of the two fraud rows.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.TransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		outcome := pipeline.Outcome{
			Transaction: &domain.Transaction{ID: req.ExternalID},
			Result:      &domain.ScoreResult{Severity: domain.SeverityNormal},
		}
		if req.Channel == domain.ChannelAPI {
			outcome.Result = &domain.ScoreResult{Severity: domain.SeverityCritical, Composite: 0.9}
			outcome.Alert = &domain.AlertDecision{Severity: domain.SeverityCritical}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(outcome)
	}))
	defer server.Close()

	txs, err := readPaySimCSV(strings.NewReader(paySimSample), 0, false, 1.0)
	if err != nil {
		t.Fatalf("readPaySimCSV failed: %v", err)
	}

	m := runBenchmark(txs, server.URL, 3, false, io.Discard)
	if m.TotalProcessed != 4 || m.TotalErrors != 0 {
		t.Fatalf("expected 4 processed without errors, got %+v", m)
	}
	if m.TruePositives != 1 || m.FalseNegatives != 1 || m.TrueNegatives != 2 || m.FalsePositives != 0 {
		t.Errorf("unexpected matrix %+v", m)
	}
}
