// Package worker drives queued scans through their remote lifecycle: acquire
// a scanner, create and launch the remote scan, poll it to an end state,
// export and validate the artifact, and settle the task record. It is the
// sole writer of RUNNING and terminal task states.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scandhq/scand/internal/config"
	"github.com/scandhq/scand/internal/queue"
	"github.com/scandhq/scand/internal/registry"
	"github.com/scandhq/scand/internal/scanner"
	"github.com/scandhq/scand/internal/taskstore"
)

const (
	dequeueTimeout    = 30 * time.Second
	dequeueErrBackoff = 5 * time.Second
)

type Worker struct {
	id       string
	cfg      *config.Config
	store    *taskstore.Store
	queue    *queue.Queue
	registry *registry.Registry
	factory  *scanner.Factory
	log      zerolog.Logger

	// slots is the process-global scan bound. Scanner-instance capacity is
	// the narrower per-resource bound, enforced by the registry.
	slots chan struct{}

	// loopCtx stops dequeue loops; scanCtx aborts in-flight scans. Kept
	// separate so shutdown can stop intake while scans use their grace.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	scanCtx    context.Context
	scanCancel context.CancelFunc
	wg         sync.WaitGroup

	pollInterval      time.Duration
	taskDeadline      time.Duration
	shutdownGrace     time.Duration
	noCapacityBackoff time.Duration
}

func New(cfg *config.Config, store *taskstore.Store, q *queue.Queue, reg *registry.Registry, factory *scanner.Factory, log zerolog.Logger) *Worker {
	hostname, _ := os.Hostname()

	loopCtx, loopCancel := context.WithCancel(context.Background())
	scanCtx, scanCancel := context.WithCancel(context.Background())

	return &Worker{
		id:                fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		cfg:               cfg,
		store:             store,
		queue:             q,
		registry:          reg,
		factory:           factory,
		log:               log.With().Str("component", "worker").Logger(),
		slots:             make(chan struct{}, cfg.Worker.MaxConcurrentScans),
		loopCtx:           loopCtx,
		loopCancel:        loopCancel,
		scanCtx:           scanCtx,
		scanCancel:        scanCancel,
		pollInterval:      cfg.Worker.PollInterval,
		taskDeadline:      cfg.Worker.TaskDeadline,
		shutdownGrace:     cfg.Worker.ShutdownGrace,
		noCapacityBackoff: 5 * time.Second,
	}
}

func (w *Worker) Start() {
	w.log.Info().
		Str("worker_id", w.id).
		Int("loops", w.cfg.Worker.Concurrency).
		Int("max_concurrent_scans", w.cfg.Worker.MaxConcurrentScans).
		Msg("starting worker")

	for i := 0; i < w.cfg.Worker.Concurrency; i++ {
		w.wg.Add(1)
		go w.dequeueLoop(i)
	}
}

// Stop halts intake immediately, then gives in-flight scans the configured
// grace to reach a safe point. Scans still running when the grace expires get
// a best-effort remote stop and their tasks stay RUNNING for recovery on the
// next start.
func (w *Worker) Stop() {
	w.log.Info().Str("worker_id", w.id).Msg("stopping worker")
	w.loopCancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.shutdownGrace):
		w.log.Warn().Dur("grace", w.shutdownGrace).Msg("shutdown grace expired, aborting in-flight scans")
		w.scanCancel()
		<-done
	}
	w.scanCancel()
	w.log.Info().Str("worker_id", w.id).Msg("worker stopped")
}

// pools returns the queues this worker drains, re-read every iteration so a
// registry reload takes effect without a restart.
func (w *Worker) pools() []string {
	if len(w.cfg.Worker.Pools) > 0 {
		return w.cfg.Worker.Pools
	}
	return w.registry.ListPools()
}

func (w *Worker) dequeueLoop(loopNum int) {
	defer w.wg.Done()

	loopID := fmt.Sprintf("%s-%d", w.id, loopNum)
	log := w.log.With().Str("loop", loopID).Logger()
	log.Debug().Msg("dequeue loop started")

	for {
		select {
		case <-w.loopCtx.Done():
			log.Debug().Msg("dequeue loop shutting down")
			return
		case w.slots <- struct{}{}:
		}

		entry, err := w.queue.DequeueAny(w.loopCtx, w.pools(), dequeueTimeout)
		if err != nil {
			<-w.slots
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Warn().Err(err).Msg("dequeue failed")
			select {
			case <-w.loopCtx.Done():
			case <-time.After(dequeueErrBackoff):
			}
			continue
		}
		if entry == nil {
			<-w.slots
			continue
		}

		w.process(loopID, entry)
		<-w.slots
	}
}
