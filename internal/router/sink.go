package router

import (
	"context"
	"errors"
	"sync"

	"quoteflow/internal/channel"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

// Sink is an external delivery target fed from the broadcast streams.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg models.MarketMessage) error
}

type sinkBinding struct {
	sink   Sink
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetSink replaces the current sink. The sink reads its own handles, one per
// category, so a slow sink lags and drops like any other consumer. With no
// categories every category is delivered. A nil sink only removes the
// current one.
func (r *Router) SetSink(ctx context.Context, sink Sink, categories ...models.Category) {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()

	if r.sink != nil {
		r.sink.cancel()
		r.sink.wg.Wait()
		r.log.WithField("sink", r.sink.sink.Name()).Info("sink detached")
		r.sink = nil
	}
	if sink == nil {
		return
	}
	if len(categories) == 0 {
		categories = models.Categories
	}

	sinkCtx, cancel := context.WithCancel(ctx)
	b := &sinkBinding{sink: sink, cancel: cancel}
	for _, c := range categories {
		h := r.Subscribe(c)
		b.wg.Add(1)
		go r.runSink(sinkCtx, b, h, c)
	}
	r.sink = b

	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, c.String())
	}
	r.log.WithFields(logger.Fields{"sink": sink.Name(), "categories": names}).Info("sink attached")
}

func (r *Router) runSink(ctx context.Context, b *sinkBinding, h Handle, c models.Category) {
	defer b.wg.Done()
	defer h.Close()

	log := r.log.WithFields(logger.Fields{"sink": b.sink.Name(), "category": c.String()})
	for {
		msg, err := h.Recv(ctx)
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) && ctx.Err() == nil {
				log.WithError(err).Warn("sink stream ended")
			}
			return
		}
		if err := b.sink.Deliver(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ObserveSinkError(b.sink.Name())
			log.WithError(err).Warn("sink delivery failed")
		}
	}
}
