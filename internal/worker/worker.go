// Package worker scores transactions published on the ingest topic.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/pipeline"
)

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed  atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, p *pipeline.Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: p,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the ingest topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactionIngested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

// handleMessage decodes a TransactionMessage and runs it through the pipeline.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var txMsg domain.TransactionMessage
	if err := json.Unmarshal(msg.Payload, &txMsg); err != nil {
		w.failed.Add(1)
		metrics.WorkerMessagesTotal.WithLabelValues("malformed").Inc()
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if txMsg.Transaction == nil {
		w.failed.Add(1)
		metrics.WorkerMessagesTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("message %s carries no transaction", msg.ID)
	}

	traceID := txMsg.TraceID
	if traceID == "" {
		traceID = msg.Metadata["trace_id"]
	}

	slog.Debug("processing transaction",
		"message_id", msg.ID,
		"tx_id", txMsg.Transaction.ID,
		"trace_id", traceID,
	)

	out, err := w.pipeline.Ingest(ctx, txMsg.Transaction)
	if err != nil {
		w.failed.Add(1)
		result := "error"
		if errors.Is(err, domain.ErrInvalidTransaction) {
			result = "invalid"
		}
		metrics.WorkerMessagesTotal.WithLabelValues(result).Inc()
		slog.Error("failed to process transaction",
			"message_id", msg.ID,
			"trace_id", traceID,
			"error", err,
		)
		return err
	}

	if out.Duplicate {
		w.duplicates.Add(1)
		metrics.WorkerMessagesTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	w.processed.Add(1)
	metrics.WorkerMessagesTotal.WithLabelValues("ok").Inc()
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped",
		"processed", w.processed.Load(),
		"duplicates", w.duplicates.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Duplicates        int64    `json:"duplicates"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Duplicates:        w.duplicates.Load(),
		Failed:            w.failed.Load(),
	}
}
