package pool

import (
	"fmt"
	"log/slog"

	"github.com/meridianhq/meridian/internal/event"
	"github.com/meridianhq/meridian/internal/plugin"
)

// worker runs tasks sequentially off its own queue. pending is guarded by
// the pool mutex.
type worker struct {
	id          int
	pool        *Pool
	factory     plugin.Factory
	transformer plugin.Transformer
	tasks       chan *taskRequest
	pending     int
}

func (w *worker) run() {
	defer w.pool.wg.Done()
	slog.Debug("worker started", "worker_id", w.id)

	for req := range w.tasks {
		w.execute(req)
		w.pool.taskDone(w)
	}

	slog.Debug("worker stopped", "worker_id", w.id)
}

// execute runs one task, converting a panic in task or plugin code into
// ErrWorkerCrashed and restarting the worker's transformer so the next
// task gets a fresh instance.
func (w *worker) execute(req *taskRequest) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker crashed",
				"worker_id", w.id,
				"task", req.task.Name,
				"panic", r,
			)
			req.result <- TaskResult{Err: fmt.Errorf("%w: %v", ErrWorkerCrashed, r)}
			w.restart()
		}
	}()

	var res Result
	var err error

	switch req.task.Name {
	case TaskProcessEvent:
		res.Event, err = w.transform(req, req.task.Event)

	case TaskProcessEvents:
		res.Events = make([]*event.PluginEvent, len(req.task.Events))
		for i, ev := range req.task.Events {
			res.Events[i], err = w.transform(req, ev)
			if err != nil {
				break
			}
		}

	case TaskIngestEvent:
		res.Canonical, err = w.pool.processor.ProcessEvent(req.ctx, req.task.Event)

	default:
		err = fmt.Errorf("%w: %q", ErrUnknownTask, req.task.Name)
	}

	req.result <- TaskResult{Result: res, Err: err}
}

// transform runs the worker's plugin over one event. Plugin failures are
// reported and the event continues untransformed; a nil result is a drop.
func (w *worker) transform(req *taskRequest, ev *event.PluginEvent) (*event.PluginEvent, error) {
	if ev == nil {
		return nil, nil
	}
	transformed, err := w.transformer.Transform(req.ctx, ev.Copy())
	if err != nil {
		slog.Error("plugin transform failed",
			"worker_id", w.id,
			"event_uuid", ev.UUID,
			"team_id", ev.TeamID,
			"error", err,
		)
		return ev, nil
	}
	return transformed, nil
}

// restart replaces the worker's transformer after a crash.
func (w *worker) restart() {
	w.transformer.Close()
	transformer, err := w.factory()
	if err != nil {
		slog.Error("worker restart failed, falling back to passthrough",
			"worker_id", w.id,
			"error", err,
		)
		w.transformer = plugin.Noop{}
		return
	}
	w.transformer = transformer
	slog.Info("worker restarted", "worker_id", w.id)
}
