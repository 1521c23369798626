package router

import (
	"context"
	"sync"
	"time"

	"quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
	"quoteflow/models"
)

// Handle is a category-agnostic reader of one broadcast stream.
type Handle interface {
	Recv(ctx context.Context) (models.MarketMessage, error)
	Dropped() uint64
	Close()
}

// Router is the single ingestion point for normalized messages. It
// republishes each message on the broadcast stream of its category and keeps
// the registry of topics external clients are interested in.
type Router struct {
	ticker    *channel.Stream[models.Ticker]
	orderbook *channel.Stream[models.OrderBook]
	trade     *channel.Stream[models.Trade]
	candle    *channel.Stream[models.Candle]
	status    *channel.Stream[models.Status]

	topics *topicRegistry

	sinkMu sync.Mutex
	sink   *sinkBinding

	now func() time.Time
	log *logger.Entry
}

func New(cfg config.RouterConfig) *Router {
	log := logger.GetLogger()
	onDrop := func(c models.Category) func(uint64) {
		return func(n uint64) {
			metrics.EmitDropMetric(log, metrics.DropMetricRouter, n, c.String(), "", "")
		}
	}
	return &Router{
		ticker:    channel.NewStream[models.Ticker](cfg.TickerBuffer, onDrop(models.CategoryTicker)),
		orderbook: channel.NewStream[models.OrderBook](cfg.OrderBookBuffer, onDrop(models.CategoryOrderBook)),
		trade:     channel.NewStream[models.Trade](cfg.TradeBuffer, onDrop(models.CategoryTrade)),
		candle:    channel.NewStream[models.Candle](cfg.CandleBuffer, onDrop(models.CategoryCandle)),
		status:    channel.NewStream[models.Status](cfg.StatusBuffer, onDrop(models.CategoryStatus)),
		topics:    newTopicRegistry(),
		now:       time.Now,
		log:       log.WithComponent("router"),
	}
}

// Route publishes msg on the stream of its category. It never waits for
// consumers. Messages without a provider, or without a symbol for non-status
// categories, are rejected.
func (r *Router) Route(msg models.MarketMessage) {
	if err := models.Validate(msg); err != nil {
		category := "unknown"
		if msg != nil {
			category = msg.Category().String()
		}
		metrics.ObserveRejected(category)
		r.log.WithError(err).Debug("rejected market message")
		return
	}
	msg = models.Stamp(msg, r.now())

	switch m := msg.(type) {
	case models.Ticker:
		r.ticker.Publish(m)
	case models.OrderBook:
		r.orderbook.Publish(m)
	case models.Trade:
		r.trade.Publish(m)
	case models.Candle:
		r.candle.Publish(m)
	case models.Status:
		r.status.Publish(m)
	default:
		r.log.WithField("type", msg.Category().String()).Warn("unroutable market message")
		return
	}
	metrics.ObserveRouted(msg.Category().String())
}

func (r *Router) SubscribeTicker() *channel.Receiver[models.Ticker] { return r.ticker.Subscribe() }

func (r *Router) SubscribeOrderBook() *channel.Receiver[models.OrderBook] {
	return r.orderbook.Subscribe()
}

func (r *Router) SubscribeTrade() *channel.Receiver[models.Trade]   { return r.trade.Subscribe() }
func (r *Router) SubscribeCandle() *channel.Receiver[models.Candle] { return r.candle.Subscribe() }
func (r *Router) SubscribeStatus() *channel.Receiver[models.Status] { return r.status.Subscribe() }

// Subscribe returns a fresh handle over the stream of category c.
func (r *Router) Subscribe(c models.Category) Handle {
	switch c {
	case models.CategoryTicker:
		return handle[models.Ticker]{r.ticker.Subscribe()}
	case models.CategoryOrderBook:
		return handle[models.OrderBook]{r.orderbook.Subscribe()}
	case models.CategoryTrade:
		return handle[models.Trade]{r.trade.Subscribe()}
	case models.CategoryCandle:
		return handle[models.Candle]{r.candle.Subscribe()}
	default:
		return handle[models.Status]{r.status.Subscribe()}
	}
}

// SubscribeFrontend adds one unit of interest in topic and returns the new count.
func (r *Router) SubscribeFrontend(topic models.Topic) int {
	n := r.topics.add(topic)
	r.log.WithFields(logger.Fields{"topic": topic.String(), "interest": n}).Debug("frontend subscribed")
	return n
}

// UnsubscribeFrontend removes one unit of interest in topic. It reports the
// remaining count and whether any interest was removed; unknown topics are a
// no-op.
func (r *Router) UnsubscribeFrontend(topic models.Topic) (int, bool) {
	n, removed := r.topics.remove(topic)
	if removed {
		r.log.WithFields(logger.Fields{"topic": topic.String(), "interest": n}).Debug("frontend unsubscribed")
	}
	return n, removed
}

// FrontendInterest returns the number of interested clients for topic.
func (r *Router) FrontendInterest(topic models.Topic) int {
	return r.topics.count(topic)
}

// ActiveTopics lists topics with at least one interested client.
func (r *Router) ActiveTopics() []models.Topic {
	return r.topics.list()
}

// Stats is a snapshot of the router's broadcast streams.
type Stats struct {
	Streams      map[string]channel.StreamStats `json:"streams"`
	Dropped      uint64                         `json:"dropped"`
	ActiveTopics int                            `json:"active_topics"`
}

func (r *Router) Stats() Stats {
	streams := map[string]channel.StreamStats{
		models.CategoryTicker.String():    r.ticker.Stats(),
		models.CategoryOrderBook.String(): r.orderbook.Stats(),
		models.CategoryTrade.String():     r.trade.Stats(),
		models.CategoryCandle.String():    r.candle.Stats(),
		models.CategoryStatus.String():    r.status.Stats(),
	}
	var dropped uint64
	for _, s := range streams {
		dropped += s.Dropped
	}
	return Stats{Streams: streams, Dropped: dropped, ActiveTopics: r.topics.size()}
}

// ReportFields exposes router counters for the runtime report.
func (r *Router) ReportFields() logger.Fields {
	stats := r.Stats()
	fields := logger.Fields{
		"router_dropped":       stats.Dropped,
		"router_active_topics": stats.ActiveTopics,
	}
	for name, s := range stats.Streams {
		fields["routed_"+name] = s.Published
	}
	return fields
}

// Close stops the sink and ends every stream.
func (r *Router) Close() {
	r.SetSink(context.Background(), nil)
	r.ticker.Close()
	r.orderbook.Close()
	r.trade.Close()
	r.candle.Close()
	r.status.Close()
}

type handle[T models.MarketMessage] struct {
	rx *channel.Receiver[T]
}

func (h handle[T]) Recv(ctx context.Context) (models.MarketMessage, error) {
	v, err := h.rx.Recv(ctx)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (h handle[T]) Dropped() uint64 { return h.rx.Dropped() }
func (h handle[T]) Close()          { h.rx.Close() }
