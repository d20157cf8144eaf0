package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/aphrodite-media/aphrodite/internal/common"
	"github.com/aphrodite-media/aphrodite/internal/interfaces"
	"github.com/aphrodite-media/aphrodite/internal/models"
	"github.com/aphrodite-media/aphrodite/internal/queue"
)

// idlePollInterval is the wait between queue polls when no message is
// visible.
const idlePollInterval = 500 * time.Millisecond

// renewInterval is how often a running job's queue message has its
// visibility pushed forward. It must be well under the visibility
// timeout so a healthy long run is never redelivered.
const renewInterval = 30 * time.Second

// Dispatcher pulls job ids off the queue and runs one worker per job,
// bounded by the concurrency cap. A job stays in flight until its worker
// returns.
type Dispatcher struct {
	queue     interfaces.QueueManager
	processor interfaces.JobProcessor
	repo      interfaces.JobRepository
	events    interfaces.EventService
	logger    arbor.ILogger

	slots chan struct{}
	renew time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ interfaces.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates the dispatcher. maxConcurrent bounds parallel
// workers; values below one are clamped to one.
func NewDispatcher(qm interfaces.QueueManager, processor interfaces.JobProcessor, repo interfaces.JobRepository, events interfaces.EventService, maxConcurrent int, logger arbor.ILogger) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:     qm,
		processor: processor,
		repo:      repo,
		events:    events,
		logger:    logger,
		slots:     make(chan struct{}, maxConcurrent),
		renew:     renewInterval,
		inflight:  make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() error {
	d.wg.Add(1)
	common.SafeGo(d.logger, "dispatcher", func() {
		defer d.wg.Done()
		d.run()
	})
	d.logger.Info().Int("max_concurrent", cap(d.slots)).Msg("Dispatcher started")
	return nil
}

// Stop cancels the loop and waits for in-flight workers to park their
// jobs. Jobs interrupted mid-run are requeued at next startup.
func (d *Dispatcher) Stop() error {
	d.cancel()
	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
	return nil
}

// InFlight returns the job ids currently owned by a worker, sorted for
// stable presentation.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// run is the control loop: acquire a slot, receive a message, hand the
// job to a worker. The loop itself never blocks on job execution.
func (d *Dispatcher) run() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case d.slots <- struct{}{}:
		}

		msg, err := d.queue.Receive(d.ctx)
		if err != nil {
			<-d.slots
			if errors.Is(err, queue.ErrNoMessage) {
				d.idle()
				continue
			}
			if d.ctx.Err() != nil {
				return
			}
			d.logger.Error().Err(err).Msg("Queue receive failed")
			d.idle()
			continue
		}

		if d.alreadyInFlight(msg.Job.JobID) {
			// Visibility timeout fired while the worker is still running.
			// A full-window extension refunds the spurious receive bump.
			<-d.slots
			if err := d.queue.Extend(d.ctx, msg.ID, 0); err != nil {
				d.logger.Warn().Err(err).Str("job_id", msg.Job.JobID).Msg("Could not extend in-flight message")
			}
			continue
		}

		d.track(msg.Job.JobID)
		d.wg.Add(1)
		common.SafeGo(d.logger, "dispatcher.worker", func() {
			defer d.wg.Done()
			defer func() { <-d.slots }()
			defer d.untrack(msg.Job.JobID)
			d.runJob(msg)
		})
	}
}

// runJob executes one job and settles its queue message. The message is
// deleted when the job no longer wants dispatch (terminal or paused);
// otherwise it stays for redelivery after the visibility timeout.
func (d *Dispatcher) runJob(msg *queue.Message) {
	jobID := msg.Job.JobID
	d.logger.Info().
		Str("job_id", jobID).
		Int("priority", msg.Job.Priority).
		Int("receive_count", msg.ReceiveCount).
		Msg("Dispatching job")

	stopRenew := d.keepAlive(msg.ID, jobID)
	err := d.processor.Process(d.ctx, jobID)
	stopRenew()
	if err != nil {
		if d.ctx.Err() != nil {
			// Shutdown: keep the message, recovery re-enqueues the job.
			return
		}
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("Worker returned error")
	}

	job, getErr := d.repo.GetJob(d.ctx, jobID)
	switch {
	case getErr != nil && errors.Is(getErr, interfaces.ErrJobNotFound):
		// Deleted out from under us; nothing left to dispatch.
		d.deleteMessage(msg.ID, jobID)
	case getErr != nil:
		d.logger.Error().Err(getErr).Str("job_id", jobID).Msg("Could not read job after worker run")
	case job.Status.IsTerminal() || job.Status == models.JobStatusPaused:
		d.deleteMessage(msg.ID, jobID)
		if job.Status.IsTerminal() && d.events != nil {
			_ = d.events.Publish(d.ctx, interfaces.Event{
				Type:    interfaces.EventJobFinished,
				Payload: jobID,
			})
		}
	default:
		// Still queued or processing after an error: leave the message
		// for redelivery.
		d.logger.Warn().
			Str("job_id", jobID).
			Str("status", string(job.Status)).
			Msg("Job not settled, leaving message for redelivery")
	}
}

// keepAlive extends the message's visibility for as long as the worker
// owns the job. A job that outlives the visibility timeout is then
// never redelivered, so a healthy long run cannot exhaust the receive
// budget. The returned func stops the renewals and waits for the
// goroutine to exit.
func (d *Dispatcher) keepAlive(msgID, jobID string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	common.SafeGo(d.logger, "dispatcher.keepalive", func() {
		defer close(done)
		ticker := time.NewTicker(d.renew)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				if err := d.queue.Extend(d.ctx, msgID, 0); err != nil {
					d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Could not renew claimed message")
				}
			}
		}
	})
	return func() {
		close(stop)
		<-done
	}
}

func (d *Dispatcher) deleteMessage(msgID, jobID string) {
	if err := d.queue.Delete(context.Background(), msgID); err != nil {
		d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Could not delete queue message")
	}
}

func (d *Dispatcher) idle() {
	select {
	case <-d.ctx.Done():
	case <-time.After(idlePollInterval):
	}
}

func (d *Dispatcher) alreadyInFlight(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[jobID]
	return ok
}

func (d *Dispatcher) track(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[jobID] = struct{}{}
}

func (d *Dispatcher) untrack(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, jobID)
}
