package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"jobcore/internal/eventbus"
	"jobcore/internal/queue"
	"jobcore/internal/storage"
	logx "jobcore/pkg/logx"
)

const (
	archiveBuffer       = 1024
	archiveWriteTimeout = 2 * time.Second
)

// archiver records every job that reaches completed or failed in the store.
type archiver struct {
	store storage.Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()
}

func newArchiver(bus eventbus.Bus, store storage.Store, log logx.Logger) *archiver {
	ch, unsub := bus.Subscribe(archiveBuffer)
	return &archiver{store: store, log: log, events: ch, unsub: unsub}
}

// run writes records until ctx ends, then drains what is already buffered.
func (a *archiver) run(ctx context.Context) error {
	defer a.unsub()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-a.events:
					a.write(e)
				default:
					return nil
				}
			}
		case e, ok := <-a.events:
			if !ok {
				return nil
			}
			a.write(e)
		}
	}
}

func (a *archiver) write(e eventbus.Event) {
	rec, ok := toRecord(e)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()
	if err := a.store.Append(ctx, rec); err != nil {
		a.log.Warn("archive.append_failed", logx.String("queue", rec.Queue), logx.String("job_id", rec.JobID), logx.Err(err))
	}
}

// toRecord converts a namespaced terminal job event ("<queue>:completed" or
// "<queue>:failed") into an archive record.
func toRecord(e eventbus.Event) (storage.Record, bool) {
	_, typ, found := strings.Cut(e.Type, ":")
	if !found || (typ != queue.EventCompleted && typ != queue.EventFailed) {
		return storage.Record{}, false
	}
	je, ok := e.Data.(queue.JobEvent[json.RawMessage])
	if !ok {
		return storage.Record{}, false
	}
	j := je.Job
	rec := storage.Record{
		Queue:        e.Source,
		JobID:        j.ID,
		Name:         j.Name,
		Status:       string(j.Status),
		Attempts:     j.Attempts,
		FailedReason: j.FailedReason,
		CreatedAt:    j.CreatedAt,
		FinishedAt:   j.FinishedAt,
		Data:         j.Data,
	}
	if j.ReturnValue != nil {
		if b, err := json.Marshal(j.ReturnValue); err == nil {
			rec.Result = b
		}
	}
	return rec, true
}
