package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/dengar/pkg/errorsx"
	"github.com/harunnryd/dengar/pkg/fanout"
	"github.com/harunnryd/dengar/pkg/progress"
	"github.com/harunnryd/dengar/pkg/session"
	"github.com/harunnryd/dengar/pkg/transcribe"
)

const fanoutTimeout = 2 * time.Second

// Dispatcher moves worker outcomes and progress into the network domain.
// Outcomes are forwarded in the order the worker produced them.
type Dispatcher struct {
	streamID string
	sink     Sink
	fanout   fanout.Publisher
	progress <-chan progress.Event
	log      *slog.Logger
}

func newDispatcher(streamID string, sink Sink, fan fanout.Publisher, progressCh <-chan progress.Event, log *slog.Logger) *Dispatcher {
	return &Dispatcher{streamID: streamID, sink: sink, fanout: fan, progress: progressCh, log: log}
}

// Run forwards until outcomes is closed, then flushes pending progress.
func (d *Dispatcher) Run(outcomes <-chan transcribe.Outcome) {
	for {
		select {
		case oc, ok := <-outcomes:
			if !ok {
				d.drainProgress()
				return
			}
			d.dispatch(oc)
		case ev := <-d.progress:
			d.sendProgress(ev)
		}
	}
}

func (d *Dispatcher) drainProgress() {
	for {
		select {
		case ev := <-d.progress:
			d.sendProgress(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(oc transcribe.Outcome) {
	var msg any
	if oc.OK() {
		msg = session.NewResultMessage(oc.Result)
	} else {
		msg = session.NewEngineErrorMessage(oc.Err)
	}
	d.publish(msg, oc.Seq())
}

func (d *Dispatcher) sendProgress(ev progress.Event) {
	if _, err := d.sink.PublishProgress(d.streamID, ev.Percent, ev.Status); err != nil {
		d.log.Debug("progress_publish_failed", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) captureFailed(err error) {
	d.publish(session.ErrorMessage{
		Type:     "error",
		Message:  err.Error(),
		StreamID: d.streamID,
		Reason:   string(errorsx.Reason(err)),
	}, 0)
}

func (d *Dispatcher) publish(msg any, seq uint64) {
	n, err := d.sink.Publish(d.streamID, msg)
	if err != nil {
		d.log.Warn("dispatch_failed", slog.Uint64("sequence", seq), slog.String("error", err.Error()))
	} else {
		d.log.Debug("dispatched", slog.Uint64("sequence", seq), slog.Int("subscribers", n))
	}
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()
	_ = d.fanout.Publish(ctx, d.streamID, msg)
}
