// Package worker provides async calculation processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/regelwerk/internal/bus"
	"github.com/opensource-finance/regelwerk/internal/calculation"
	"github.com/opensource-finance/regelwerk/internal/domain"
)

// Worker processes calculation requests asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	processor *calculation.Processor

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process. Empty subscribes with the
	// global tenant, which NATS treats as a wildcard over all tenants.
	TenantIDs []string

	// WorkerCount bounds the calculations processed concurrently.
	WorkerCount int
}

// Reply is sent back to callers that used request-reply.
type Reply struct {
	Calculation *domain.Calculation `json:"calculation,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// NewWorker creates a new async worker. repo may be nil, in which case
// calculations are published but not stored.
func NewWorker(eventBus domain.EventBus, repo domain.Repository, processor *calculation.Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		repo:      repo,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	w.sem = make(chan struct{}, workers)

	if len(cfg.TenantIDs) == 0 {
		return w.startTenantWorker(domain.GlobalTenantID)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"worker_count", workers,
	)

	return nil
}

// startTenantWorker subscribes to calculation requests of one tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicCalculationRequested, w.dispatch)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicCalculationRequested,
	)

	return nil
}

// dispatch hands a message to the bounded worker pool.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		if err := w.processCalculation(ctx, msg); err != nil {
			slog.Warn("calculation request failed",
				"message_id", msg.ID,
				"tenant_id", msg.TenantID,
				"error", err,
			)
		}
	}()
	return nil
}

// processCalculation runs one request through the processor, stores the
// calculation and announces the outcome.
func (w *Worker) processCalculation(ctx context.Context, msg *domain.Message) error {
	start := time.Now()
	tenantID := msg.TenantID

	md := bus.Metadata(ctx)
	traceID := md[domain.MetaTraceID]
	if traceID == "" {
		traceID = msg.ID
	}
	ctx = bus.WithMetadata(ctx, map[string]string{domain.MetaTraceID: traceID})

	var req domain.CalculationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return w.fail(ctx, msg, md[domain.MetaRequestID], fmt.Errorf("invalid calculation request: %w", err))
	}
	if req.RequestID == "" {
		req.RequestID = md[domain.MetaRequestID]
	}

	slog.Debug("processing calculation",
		"request_id", req.RequestID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	calc, err := w.processor.Calculate(ctx, tenantID, traceID, &req)
	if err != nil {
		return w.fail(ctx, msg, req.RequestID, err)
	}

	if w.repo != nil {
		if err := w.repo.SaveCalculation(ctx, tenantID, calc); err != nil {
			slog.Error("failed to save calculation",
				"calculation_id", calc.ID,
				"error", err,
			)
		}
	}

	payload, err := json.Marshal(calc)
	if err != nil {
		return w.fail(ctx, msg, req.RequestID, fmt.Errorf("failed to encode calculation: %w", err))
	}
	if err := w.bus.Publish(ctx, tenantID, domain.TopicCalculationCompleted, payload); err != nil {
		slog.Error("failed to publish calculation",
			"calculation_id", calc.ID,
			"error", err,
		)
	}
	w.reply(ctx, msg, Reply{Calculation: calc})

	slog.Info("calculation processed",
		"calculation_id", calc.ID,
		"tenant_id", tenantID,
		"status", calc.Status,
		"rules_failed", calc.Metadata.RulesFailed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// fail publishes a CalculationFailure for requests that could not be run.
func (w *Worker) fail(ctx context.Context, msg *domain.Message, requestID string, cause error) error {
	failure := domain.CalculationFailure{
		RequestID: requestID,
		TenantID:  msg.TenantID,
		Error:     cause.Error(),
	}

	payload, err := json.Marshal(failure)
	if err == nil {
		err = w.bus.Publish(ctx, msg.TenantID, domain.TopicCalculationFailed, payload)
	}
	if err != nil {
		slog.Error("failed to publish calculation failure",
			"message_id", msg.ID,
			"error", err,
		)
	}
	w.reply(ctx, msg, Reply{Error: cause.Error()})

	return cause
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, r Reply) {
	if msg.ReplyTo == "" {
		return
	}

	payload, err := json.Marshal(r)
	if err == nil {
		err = w.bus.Reply(ctx, msg, payload)
	}
	if err != nil {
		slog.Error("failed to reply",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Stop gracefully stops all workers and waits for in-flight calculations.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
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
		InFlight:          len(w.sem),
	}
}
