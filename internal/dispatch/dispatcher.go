// Package dispatch funnels every raw mail event, whatever channel produced
// it, through a single processing path: dedupe against the processed
// marker, serialize per (user, provider), fetch, analyze, persist.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mailzen/ingest-api/internal/analyzer"
	"github.com/mailzen/ingest-api/internal/config"
	"github.com/mailzen/ingest-api/internal/model"
	"github.com/mailzen/ingest-api/internal/notes"
	"github.com/mailzen/ingest-api/internal/provider"
	"github.com/mailzen/ingest-api/internal/repository"
	"github.com/mailzen/ingest-api/pkg/logger"
	"github.com/mailzen/ingest-api/pkg/messaging"
	"github.com/mailzen/ingest-api/pkg/metrics"
)

// ErrQueueFull is returned by Enqueue when the buffer is saturated. Dropped
// events are not lost for good: the poller re-derives them from the marker.
var ErrQueueFull = fmt.Errorf("dispatch queue full")

type Dispatcher struct {
	markers   repository.MarkerRepository
	analyses  repository.AnalysisRepository
	providers *provider.Registry
	analyzer  analyzer.Analyzer
	notes     notes.Service
	locker    Locker
	broker    messaging.Broker
	metrics   *metrics.Metrics
	logger    *logger.Logger

	queue   chan model.RawMailEvent
	workers int
	wg      sync.WaitGroup
}

func NewDispatcher(
	cfg config.DispatcherConfig,
	markers repository.MarkerRepository,
	analyses repository.AnalysisRepository,
	providers *provider.Registry,
	az analyzer.Analyzer,
	ns notes.Service,
	locker Locker,
	broker messaging.Broker,
	m *metrics.Metrics,
	log *logger.Logger,
) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		markers:   markers,
		analyses:  analyses,
		providers: providers,
		analyzer:  az,
		notes:     ns,
		locker:    locker,
		broker:    broker,
		metrics:   m,
		logger:    log.With("dispatcher"),
		queue:     make(chan model.RawMailEvent, queueSize),
		workers:   workers,
	}
}

// Start launches the worker pool. Workers exit when ctx is canceled; Wait
// blocks until they have drained.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue hands an event to the worker pool without blocking. A full queue
// drops the event; the marker ensures the poller picks it up later.
func (d *Dispatcher) Enqueue(event model.RawMailEvent) error {
	select {
	case d.queue <- event:
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		d.metrics.EventsDropped.Inc()
		d.logger.Warn("dispatch queue full, dropping event",
			"user_id", event.UserID, "message_id", event.MessageID)
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			d.metrics.QueueDepth.Set(float64(len(d.queue)))
			if err := d.Dispatch(ctx, event); err != nil && !model.IsDuplicate(err) {
				d.logger.Error(err, "dispatch failed",
					"user_id", event.UserID,
					"provider", string(event.Provider),
					"message_id", event.MessageID)
			}
		}
	}
}

// Dispatch processes one event synchronously. Duplicates and in-flight
// collisions return model.ErrDuplicateEvent / model.ErrDispatchBusy, both
// expected outcomes under the multi-channel design.
func (d *Dispatcher) Dispatch(ctx context.Context, event model.RawMailEvent) error {
	start := time.Now()

	stale, err := d.isStale(ctx, event)
	if err != nil {
		return err
	}
	if stale {
		d.dedupe(event)
		return model.ErrDuplicateEvent
	}

	acquired, err := d.locker.TryAcquire(ctx, event.UserID, event.Provider)
	if err != nil {
		return err
	}
	if !acquired {
		d.dedupe(event)
		return model.ErrDispatchBusy
	}
	defer func() {
		if err := d.locker.Release(context.WithoutCancel(ctx), event.UserID, event.Provider); err != nil {
			d.logger.Error(err, "failed to release dispatch lock", "user_id", event.UserID)
		}
	}()

	// Re-check under the lock: a racing channel may have finished this
	// message between the first check and lock acquisition.
	stale, err = d.isStale(ctx, event)
	if err != nil {
		return err
	}
	if stale {
		d.dedupe(event)
		return model.ErrDuplicateEvent
	}

	prov, ok := d.providers.Get(event.Provider)
	if !ok {
		return fmt.Errorf("no provider registered for %q", event.Provider)
	}

	msg, err := prov.GetMessage(ctx, event.UserID, event.MessageID)
	if err != nil {
		return err
	}

	noteContext, err := d.notes.FindByTriggerWords(ctx, event.UserID, msg.Subject+"\n"+msg.Body)
	if err != nil {
		// Context lookup is best effort; analysis proceeds without it.
		d.logger.Warn("note context lookup failed", "user_id", event.UserID, "error", err.Error())
		noteContext = nil
	}

	analysisStart := time.Now()
	analysis, err := d.analyzer.Analyze(ctx, msg, noteContext)
	d.metrics.AnalyzerLatency.Observe(time.Since(analysisStart).Seconds())
	if err != nil {
		d.metrics.AnalyzerCalls.WithLabelValues("error").Inc()
		return err
	}
	d.metrics.AnalyzerCalls.WithLabelValues("ok").Inc()

	analysis.UserID = event.UserID
	analysis.Provider = event.Provider
	analysis.MessageID = event.MessageID

	err = d.analyses.Create(ctx, analysis)
	switch {
	case err == nil:
		d.metrics.DatabaseOperations.WithLabelValues("analysis_insert", "ok").Inc()
	case err == model.ErrDuplicateEvent:
		d.metrics.DatabaseOperations.WithLabelValues("analysis_insert", "duplicate").Inc()
	default:
		d.metrics.DatabaseOperations.WithLabelValues("analysis_insert", "error").Inc()
		return err
	}
	duplicate := err == model.ErrDuplicateEvent

	if err := d.markers.Advance(ctx, event.UserID, event.Provider, event.MessageID); err != nil {
		d.metrics.DatabaseOperations.WithLabelValues("marker_advance", "error").Inc()
		return err
	}
	d.metrics.DatabaseOperations.WithLabelValues("marker_advance", "ok").Inc()

	if duplicate {
		d.dedupe(event)
		return model.ErrDuplicateEvent
	}

	d.createNote(ctx, event, analysis)

	if d.broker != nil {
		if err := d.broker.Publish(ctx, messaging.ChannelAnalysisCompleted, analysis); err != nil {
			d.logger.Error(err, "failed to publish analysis event", "message_id", event.MessageID)
		}
	}

	d.metrics.EventsDispatched.WithLabelValues(string(event.Provider), string(event.ChannelKind)).Inc()
	d.metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	d.logger.Info("dispatched mail event",
		"user_id", event.UserID,
		"provider", string(event.Provider),
		"channel", string(event.ChannelKind),
		"message_id", event.MessageID,
		"importance", analysis.Importance)
	return nil
}

func (d *Dispatcher) isStale(ctx context.Context, event model.RawMailEvent) (bool, error) {
	marker, err := d.markers.Get(ctx, event.UserID, event.Provider)
	if err != nil {
		return false, err
	}
	if marker == nil {
		return false, nil
	}
	return !model.MessageIDNewer(event.MessageID, marker.LastMessageID), nil
}

func (d *Dispatcher) dedupe(event model.RawMailEvent) {
	d.metrics.EventsDeduped.WithLabelValues(string(event.Provider), string(event.ChannelKind)).Inc()
}

func (d *Dispatcher) createNote(ctx context.Context, event model.RawMailEvent, analysis *model.EmailAnalysis) {
	draft := analysis.Draft()
	if draft == nil {
		return
	}

	note, err := d.notes.Create(ctx, event.UserID, draft)
	if err != nil {
		// Note creation is not retried: the analysis row already exists
		// and re-dispatching the message would be a duplicate.
		d.logger.Error(err, "failed to create note", "message_id", event.MessageID)
		return
	}
	if err := d.analyses.SetCreatedNote(ctx, event.UserID, event.Provider, event.MessageID, note.ID); err != nil {
		d.logger.Error(err, "failed to record created note", "note_id", note.ID)
	}
}
