package archive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/fidelitymon/monitor"
	"github.com/c360studio/fidelitymon/transport"
	"github.com/c360studio/fidelitymon/wire"
)

const (
	// recorderQueueSize bounds records waiting for the writer.
	recorderQueueSize = 128
	// writeTimeout bounds each archive write.
	writeTimeout = 5 * time.Second
)

// record is one pending archive write.
type record struct {
	alert      *monitor.Alert
	escalation *monitor.Escalation
}

// Recorder streams recorded alerts and escalations into the archive from a
// background writer. It plugs into the monitor as an Observer; observer
// methods never block on the database.
type Recorder struct {
	store  *Store
	logger *slog.Logger

	queue    chan record
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dropped atomic.Uint64
}

// NewRecorder starts the archive writer on top of an open store. The
// recorder does not own the store; closing the recorder leaves it open.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan record, recorderQueueSize),
		stop:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.writer()
	return r
}

// Close stops the writer after flushing already-queued records. Safe to call
// more than once.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Dropped returns how many records were discarded because the queue was full
// or the recorder was shutting down.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// ObserveEvent implements monitor.Observer.
func (r *Recorder) ObserveEvent(wire.EventType) {}

// ObserveFidelity implements monitor.Observer.
func (r *Recorder) ObserveFidelity(monitor.FidelitySnapshot) {}

// ObserveConnection implements monitor.Observer.
func (r *Recorder) ObserveConnection(transport.Status) {}

// ObserveAlert implements monitor.Observer.
func (r *Recorder) ObserveAlert(a monitor.Alert) {
	r.enqueue(record{alert: &a})
}

// ObserveEscalation implements monitor.Observer.
func (r *Recorder) ObserveEscalation(e monitor.Escalation) {
	r.enqueue(record{escalation: &e})
}

func (r *Recorder) enqueue(rec record) {
	select {
	case <-r.stop:
		r.dropped.Add(1)
		return
	default:
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.logger.Warn("archive queue full, dropping record")
	}
}

func (r *Recorder) writer() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		case rec := <-r.queue:
			r.write(rec)
		}
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch {
	case rec.alert != nil:
		err = r.store.SaveAlert(ctx, *rec.alert)
	case rec.escalation != nil:
		err = r.store.SaveEscalation(ctx, *rec.escalation)
	}
	if err != nil {
		r.logger.Warn("archive write failed", "error", err)
	}
}
