package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/queuereader/internal/deadletter"
	"github.com/austindbirch/queuereader/internal/envelope"
	"github.com/austindbirch/queuereader/internal/metrics"
	"github.com/austindbirch/queuereader/internal/tracing"
)

// Message outcomes, as recorded in metrics.
const (
	outcomeCompleted    = "completed"
	outcomeRequeued     = "requeued"
	outcomeDeferred     = "deferred"
	outcomeSkipped      = "skipped"
	outcomeDropped      = "dropped"
	outcomeInvalid      = "invalid"
	outcomeDeadLettered = "dead_lettered"
)

// unknownTaskLabel stands in for task names with no registered Task, which
// come from message input and must not become metric series.
const unknownTaskLabel = "_unknown"

// handleMessage runs one raw queue message through its lifecycle. Work on the
// message is not cancelled by ctx; only the sleeps are.
func (r *Reader) handleMessage(ctx context.Context, raw []byte) error {
	work := context.WithoutCancel(ctx)
	start := r.clock.Now()

	r.mu.Lock()
	r.handled++
	r.mu.Unlock()

	env, err := envelope.Decode(raw, r.taskNames, start)
	if err != nil {
		r.logger.WithContext(work).WithField("raw", string(raw)).Warn("invalid data")
		metrics.RecordMessage(r.cfg.Queue, outcomeInvalid)
		return r.deadLetter(work, deadletter.Entry{Reason: deadletter.ReasonInvalid, Raw: raw})
	}

	work = tracing.Extract(work, env.TraceHeaders)
	work, span := tracing.StartSpan(work, "reader.message",
		attribute.String("queue", r.cfg.Queue),
		attribute.String("message_id", env.ID),
		attribute.Int("tries", env.Tries),
	)
	defer span.End()
	log := r.logger.WithContext(work).WithMessage(env.ID)

	if env.Done() {
		log.Debug("no tasks left, dropping")
		metrics.RecordMessage(r.cfg.Queue, outcomeDropped)
		return nil
	}

	if env.Deferred(start) {
		outcome, err := r.requeue(ctx, work, env, false)
		metrics.RecordMessage(r.cfg.Queue, outcome)
		return err
	}

	env.Tries++
	log.WithField("tries", env.Tries).WithField("tasks_left", env.TasksLeft).Info("handling message")

	outcome, err := r.dispatch(ctx, work, env)
	if err != nil {
		tracing.SetSpanError(work, err)
		return err
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	metrics.RecordMessage(r.cfg.Queue, outcome)
	metrics.ObserveMessageDuration(r.cfg.Queue, r.clock.Now().Sub(start))

	r.endProcessingSleep(ctx)
	return nil
}

// dispatch runs preprocessing and every outstanding task, then requeues what
// is left.
func (r *Reader) dispatch(ctx, work context.Context, env *envelope.Envelope) (string, error) {
	data, ok, err := r.prepare(work, env.Data)
	if err != nil {
		r.logger.WithContext(work).WithMessage(env.ID).WithError(err).Error("caught error while preprocessing")
		r.preprocess.Failure()
		metrics.SetBackoff(r.cfg.Queue, PreprocessKey, r.preprocess.Interval())
		return r.requeue(ctx, work, env, true)
	}
	r.preprocess.Success()
	metrics.SetBackoff(r.cfg.Queue, PreprocessKey, r.preprocess.Interval())
	if !ok {
		r.logger.WithContext(work).WithMessage(env.ID).Info("message failed validation, skipping")
		return outcomeSkipped, nil
	}

	msg := Message{ID: env.ID, Queue: r.cfg.Queue, Tries: env.Tries, Data: data}
	for _, name := range env.Outstanding() {
		r.runTask(work, env, name, msg)
	}

	if env.Done() {
		return outcomeCompleted, nil
	}
	return r.requeue(ctx, work, env, true)
}

// prepare applies the preprocess and validate hooks. ok is false when the
// message should be dropped.
func (r *Reader) prepare(ctx context.Context, data json.RawMessage) (out json.RawMessage, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("preprocess panic: %v", p)
		}
	}()

	out = append(json.RawMessage(nil), data...)
	if r.cfg.Preprocess != nil {
		if out, err = r.cfg.Preprocess(ctx, out); err != nil {
			return nil, false, err
		}
	}
	if r.cfg.Validate != nil && !r.cfg.Validate(ctx, out) {
		return out, false, nil
	}
	return out, true, nil
}

func (r *Reader) runTask(ctx context.Context, env *envelope.Envelope, name string, msg Message) {
	log := r.logger.WithContext(ctx).WithMessage(env.ID).WithTask(name)

	task, ok := r.cfg.Tasks[name]
	if !ok {
		log.WithError(ErrUnknownTask).Error("no task registered for name")
		metrics.RecordTaskResult(r.cfg.Queue, unknownTaskLabel, "unknown")
		return
	}
	timer := r.timers[name]

	done, err := invoke(ctx, task, msg)
	var result string
	switch {
	case errors.Is(err, ErrRequeueWithoutBackoff):
		log.Info("requeue without backoff")
		result = "deferred"
	case err != nil:
		log.WithError(err).Error("caught error while handling task")
		timer.Failure()
		result = "error"
	case done:
		env.Complete(name)
		timer.Success()
		result = "success"
	default:
		timer.Failure()
		result = "failure"
	}
	metrics.RecordTaskResult(r.cfg.Queue, name, result)
	metrics.SetBackoff(r.cfg.Queue, name, timer.Interval())
	tracing.AddSpanEvent(ctx, "task."+result, attribute.String("task", name))
}

func invoke(ctx context.Context, task Task, msg Message) (done bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			done, err = false, fmt.Errorf("task panic: %v", p)
		}
	}()
	return task(ctx, msg)
}

// requeue puts env back on the queue. With delay set, retry_on moves out by
// RequeueDelay times the try count; without it the envelope goes back as is.
// Exhausted envelopes are handed to the give-up hook and dead-lettered
// instead.
func (r *Reader) requeue(ctx, work context.Context, env *envelope.Envelope, delay bool) (string, error) {
	log := r.logger.WithContext(work).WithMessage(env.ID)

	if env.Tries > r.cfg.MaxTries {
		log.WithField("tries", env.Tries).WithField("tasks_left", env.TasksLeft).Warn("giving up on message after max tries")
		r.giveUp(work, env)
		return outcomeDeadLettered, r.deadLetter(work, deadletter.Entry{Reason: deadletter.ReasonMaxTries, Envelope: env})
	}

	now := r.clock.Now()
	if delay {
		env.ScheduleRetry(now, r.cfg.RequeueDelay*time.Duration(env.Tries))
	}
	if headers := tracing.Inject(work); len(headers) > 0 {
		env.TraceHeaders = headers
	}

	b, err := env.Encode()
	if err != nil {
		return "", fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}

	outcome := outcomeRequeued
	if !delay {
		outcome = outcomeDeferred
	}
	if err := r.put(work, b); err != nil {
		log.WithError(err).Error("requeue failed on every endpoint")
		outcome = outcomeDeadLettered
		if err := r.deadLetter(work, deadletter.Entry{Reason: deadletter.ReasonRequeueFailed, Envelope: env}); err != nil {
			return outcome, err
		}
	} else {
		var nextTry time.Duration
		if !env.RetryOn.IsZero() {
			nextTry = env.RetryOn.Sub(now)
		}
		log.WithField("tries", env.Tries).WithField("next_try_secs", int(nextTry.Seconds())).Info("requeued")
	}

	r.clock.Sleep(ctx, r.cfg.SleepRequeue)
	return outcome, nil
}

func (r *Reader) giveUp(ctx context.Context, env *envelope.Envelope) {
	if r.cfg.GiveUp == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.WithContext(ctx).WithMessage(env.ID).WithField("panic", fmt.Sprint(p)).Error("give-up callback panicked")
		}
	}()
	msg := Message{ID: env.ID, Queue: r.cfg.Queue, Tries: env.Tries, Data: env.Data}
	if err := r.cfg.GiveUp(ctx, msg, env.Outstanding()); err != nil {
		r.logger.WithContext(ctx).WithMessage(env.ID).WithError(err).Error("could not call give-up callback")
	}
}

func (r *Reader) deadLetter(ctx context.Context, e deadletter.Entry) error {
	e.Queue = r.cfg.Queue
	e.At = r.clock.Now()
	if err := r.sink.Write(ctx, e); err != nil {
		return fmt.Errorf("dead-letter (%s): %w", e.Reason, err)
	}

	r.mu.Lock()
	r.deadCount++
	r.mu.Unlock()

	metrics.RecordDeadLetter(r.cfg.Queue, e.Reason)
	entry := r.logger.WithContext(ctx).WithField("reason", e.Reason)
	if e.Envelope != nil {
		entry = entry.WithMessage(e.Envelope.ID)
	}
	entry.Warn("message dead-lettered")
	return nil
}
