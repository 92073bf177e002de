package buffer

import (
	"errors"
	"log/slog"
	"slices"
)

// Operation is one queued sink mutation or blocker.
//
// Execute starts the work. Sink mutations then wait for Queue.Complete;
// operations that finish synchronously call ShiftAndExecuteNext themselves.
type Operation struct {
	Label      string
	Execute    func() error
	OnStart    func()
	OnComplete func()
	OnError    func(err error)

	started bool
	retry   bool
	failed  bool
}

func (op *Operation) start() {
	op.started = true
	if op.OnStart != nil {
		op.OnStart()
	}
}

func (op *Operation) complete() {
	if op.OnComplete != nil {
		op.OnComplete()
	}
}

func (op *Operation) fail(err error) {
	if op.OnError != nil {
		op.OnError(err)
	}
}

// Queue serializes operations per track. The head of each track queue is
// the only operation allowed to touch that track's sink.
//
// It is not safe for concurrent use.
type Queue struct {
	queues map[TrackType][]*Operation
	sinks  func(TrackType) Sink
	log    *slog.Logger
}

// NewQueue returns an empty queue. sinks looks up the sink of a track to
// check whether it is still updating after a failed Execute; it may be nil.
func NewQueue(sinks func(TrackType) Sink, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		queues: make(map[TrackType][]*Operation),
		sinks:  sinks,
		log:    log,
	}
}

// Append adds op to the tail. It executes immediately when it is the only
// operation and pending is false.
func (q *Queue) Append(op *Operation, track TrackType, pending bool) {
	q.queues[track] = append(q.queues[track], op)
	if len(q.queues[track]) == 1 && !pending {
		q.ExecuteNext(track)
	}
}

// AppendBlocker queues a blocker. The future resolves when it reaches the
// head; the track then stays paused until the blocker is released.
func (q *Queue) AppendBlocker(track TrackType) *Future {
	f := newFuture()
	f.op = &Operation{Label: "async-blocker", Execute: func() error {
		f.resolve()
		return nil
	}}
	q.Append(f.op, track, false)
	return f
}

// PrependBlocker queues a blocker ahead of everything that has not started.
func (q *Queue) PrependBlocker(track TrackType) *Future {
	f := newFuture()
	f.op = &Operation{Label: "async-blocker-prepend", Execute: func() error {
		f.resolve()
		return nil
	}}
	queue := q.queues[track]
	if len(queue) > 0 && queue[0].started {
		q.queues[track] = slices.Insert(queue, 1, f.op)
		return f
	}
	q.queues[track] = slices.Insert(queue, 0, f.op)
	q.ExecuteNext(track)
	return f
}

// Current returns the head operation of track.
func (q *Queue) Current(track TrackType) *Operation {
	if queue := q.queues[track]; len(queue) > 0 {
		return queue[0]
	}
	return nil
}

// Len is the number of queued operations for track.
func (q *Queue) Len(track TrackType) int { return len(q.queues[track]) }

// ExecuteNext runs the head operation of track.
func (q *Queue) ExecuteNext(track TrackType) {
	op := q.Current(track)
	if op == nil {
		return
	}
	op.retry, op.failed = false, false
	op.start()
	err := op.Execute()
	if err == nil {
		return
	}
	if errors.Is(err, ErrSinkBusy) {
		// a mutation is still running; retried on its completion
		op.retry = true
		q.log.Debug("sink busy, deferring operation",
			slog.String("track", string(track)), slog.String("op", op.Label))
		return
	}
	q.log.Warn("buffer operation failed",
		slog.String("track", string(track)), slog.String("op", op.Label), slog.Any("err", err))
	op.failed = true
	op.fail(err)
	if sink := q.sink(track); sink == nil || !sink.Updating() {
		// otherwise the pending completion shifts it
		q.shiftIf(track, op)
	}
}

// ShiftAndExecuteNext drops the head operation of track and runs the next.
func (q *Queue) ShiftAndExecuteNext(track TrackType) {
	if queue := q.queues[track]; len(queue) > 0 {
		q.queues[track] = queue[1:]
	}
	q.ExecuteNext(track)
}

// Complete is called when the sink of track finishes the in-flight
// mutation. err is the mutation failure, if any.
func (q *Queue) Complete(track TrackType, err error) {
	op := q.Current(track)
	if op == nil {
		return
	}
	if op.retry {
		q.ExecuteNext(track)
		return
	}
	switch {
	case op.failed:
		// OnError already ran when Execute failed
	case err != nil:
		op.fail(err)
	default:
		op.complete()
	}
	q.shiftIf(track, op)
}

// Release removes op from track. When op is the head the next operation runs.
func (q *Queue) Release(track TrackType, op *Operation) {
	queue := q.queues[track]
	i := slices.Index(queue, op)
	switch {
	case i < 0:
	case i == 0:
		q.ShiftAndExecuteNext(track)
	default:
		q.queues[track] = slices.Delete(queue, i, i+1)
	}
}

// Remove drops every operation queued for track.
func (q *Queue) Remove(track TrackType) { delete(q.queues, track) }

// Reset drops every queued operation.
func (q *Queue) Reset() { q.queues = make(map[TrackType][]*Operation) }

// shiftIf advances track only when op is still the head; callbacks may
// already have moved the queue on.
func (q *Queue) shiftIf(track TrackType, op *Operation) {
	if q.Current(track) == op {
		q.ShiftAndExecuteNext(track)
	}
}

func (q *Queue) sink(track TrackType) Sink {
	if q.sinks == nil {
		return nil
	}
	return q.sinks(track)
}
