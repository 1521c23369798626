package bybit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"quoteflow/models"
)

type envelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`

	// op replies (subscribe acks, pong)
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

type tickerData struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	PrevPrice24h string `json:"prevPrice24h"`
	Volume24h    string `json:"volume24h"`
	Price24hPcnt string `json:"price24hPcnt"`
	Bid1Price    string `json:"bid1Price"`
	Bid1Size     string `json:"bid1Size"`
	Ask1Price    string `json:"ask1Price"`
	Ask1Size     string `json:"ask1Size"`
}

type tradeData struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
}

type bookData struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

type klineData struct {
	Start     int64  `json:"start"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	Close     string `json:"close"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Volume    string `json:"volume"`
	Timestamp int64  `json:"timestamp"`
}

func (u *Upstream) normalize(frame []byte) ([]models.MarketMessage, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode bybit frame: %w", err)
	}
	if env.Op != "" {
		if env.Success != nil && !*env.Success {
			return nil, fmt.Errorf("bybit %s rejected: %s", env.Op, env.RetMsg)
		}
		return nil, nil
	}
	if env.Topic == "" {
		return nil, nil
	}

	kind, _, _ := strings.Cut(env.Topic, ".")
	var (
		msgs []models.MarketMessage
		err  error
	)
	switch kind {
	case "tickers":
		msgs, err = u.tickerUpdate(&env)
	case "publicTrade":
		msgs, err = u.trades(&env)
	case "orderbook":
		msgs, err = u.orderbook(&env)
	case "kline":
		msgs, err = u.klines(&env)
	default:
		return nil, fmt.Errorf("unsupported bybit topic %q", env.Topic)
	}
	if err != nil {
		return nil, err
	}

	now := u.now()
	for i, m := range msgs {
		msgs[i] = models.Stamp(m, now)
	}
	return msgs, nil
}

func (u *Upstream) tickerUpdate(env *envelope) ([]models.MarketMessage, error) {
	var d tickerData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("decode tickers: %w", err)
	}

	// derivative streams send one snapshot, then deltas with changed fields only
	u.tickersMu.Lock()
	switch env.Type {
	case "snapshot", "":
		u.tickers[d.Symbol] = d
	case "delta":
		prev, ok := u.tickers[d.Symbol]
		if !ok {
			u.tickersMu.Unlock()
			return nil, nil
		}
		d = prev.merge(d)
		u.tickers[d.Symbol] = d
	default:
		u.tickersMu.Unlock()
		return nil, fmt.Errorf("unknown tickers message type %q", env.Type)
	}
	u.tickersMu.Unlock()

	if optional(d.LastPrice) == nil {
		return nil, nil
	}
	return []models.MarketMessage{tickerFromData(u.provider, d, env.Ts)}, nil
}

// merge overlays the fields present in delta.
func (t tickerData) merge(delta tickerData) tickerData {
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&t.LastPrice, delta.LastPrice},
		{&t.HighPrice24h, delta.HighPrice24h},
		{&t.LowPrice24h, delta.LowPrice24h},
		{&t.PrevPrice24h, delta.PrevPrice24h},
		{&t.Volume24h, delta.Volume24h},
		{&t.Price24hPcnt, delta.Price24hPcnt},
		{&t.Bid1Price, delta.Bid1Price},
		{&t.Bid1Size, delta.Bid1Size},
		{&t.Ask1Price, delta.Ask1Price},
		{&t.Ask1Size, delta.Ask1Size},
	} {
		if f.src != "" {
			*f.dst = f.src
		}
	}
	return t
}

func tickerFromData(provider string, d tickerData, ts int64) models.Ticker {
	t := models.Ticker{
		Provider:  provider,
		Symbol:    d.Symbol,
		Volume:    optional(d.Volume24h),
		Bid:       optional(d.Bid1Price),
		BidSize:   optional(d.Bid1Size),
		Ask:       optional(d.Ask1Price),
		AskSize:   optional(d.Ask1Size),
		High:      optional(d.HighPrice24h),
		Low:       optional(d.LowPrice24h),
		Open:      optional(d.PrevPrice24h),
		Timestamp: ts,
	}
	if p := optional(d.LastPrice); p != nil {
		t.Price = *p
		if t.Open != nil {
			t.Change = models.Float(*p - *t.Open)
		}
	}
	// price24hPcnt is a fraction
	if pct := optional(d.Price24hPcnt); pct != nil {
		t.ChangePercent = models.Float(*pct * 100)
	}
	return t
}

func (u *Upstream) trades(env *envelope) ([]models.MarketMessage, error) {
	var data []tradeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode publicTrade: %w", err)
	}
	out := make([]models.MarketMessage, 0, len(data))
	for _, d := range data {
		price, err := strconv.ParseFloat(d.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("trade price %q: %w", d.Price, err)
		}
		size, err := strconv.ParseFloat(d.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("trade size %q: %w", d.Size, err)
		}
		var side models.TradeSide
		switch d.Side {
		case "Buy":
			side = models.SideBuy
		case "Sell":
			side = models.SideSell
		}
		out = append(out, models.Trade{
			Provider:  u.provider,
			Symbol:    d.Symbol,
			Price:     price,
			Quantity:  size,
			Side:      side,
			Timestamp: d.Time,
		})
	}
	return out, nil
}

func (u *Upstream) klines(env *envelope) ([]models.MarketMessage, error) {
	var data []klineData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}
	// kline.<interval>.<symbol>
	symbol := env.Topic[strings.LastIndex(env.Topic, ".")+1:]

	out := make([]models.MarketMessage, 0, len(data))
	for _, d := range data {
		var v [5]float64
		for i, raw := range []string{d.Open, d.High, d.Low, d.Close, d.Volume} {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("kline value %q: %w", raw, err)
			}
			v[i] = f
		}
		out = append(out, models.Candle{
			Provider:  u.provider,
			Symbol:    symbol,
			Interval:  d.Interval,
			Open:      v[0],
			High:      v[1],
			Low:       v[2],
			Close:     v[3],
			Volume:    v[4],
			Timestamp: d.Start,
		})
	}
	return out, nil
}

func (u *Upstream) orderbook(env *envelope) ([]models.MarketMessage, error) {
	var d bookData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("decode orderbook: %w", err)
	}

	u.booksMu.Lock()
	defer u.booksMu.Unlock()

	b, ok := u.books[d.Symbol]
	switch env.Type {
	case "snapshot":
		b = newBook()
		u.books[d.Symbol] = b
	case "delta":
		if !ok {
			// deltas before the first snapshot cannot be applied
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("unknown orderbook message type %q", env.Type)
	}
	if err := b.apply(d.Bids, d.Asks); err != nil {
		return nil, err
	}
	bids, asks := b.levels()
	return []models.MarketMessage{models.OrderBook{
		Provider:  u.provider,
		Symbol:    d.Symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: env.Ts,
	}}, nil
}

// book is a local order book kept from a snapshot and its deltas.
type book struct {
	bids map[string]models.PriceLevel
	asks map[string]models.PriceLevel
}

func newBook() *book {
	return &book{bids: make(map[string]models.PriceLevel), asks: make(map[string]models.PriceLevel)}
}

func (b *book) apply(bids, asks [][2]string) error {
	if err := applySide(b.bids, bids); err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	if err := applySide(b.asks, asks); err != nil {
		return fmt.Errorf("asks: %w", err)
	}
	return nil
}

func applySide(side map[string]models.PriceLevel, updates [][2]string) error {
	for _, lvl := range updates {
		qty, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return err
		}
		if qty == 0 {
			delete(side, lvl[0])
			continue
		}
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			return err
		}
		side[lvl[0]] = models.PriceLevel{Price: price, Quantity: qty}
	}
	return nil
}

// levels returns bids best-first (descending) and asks best-first (ascending).
func (b *book) levels() ([]models.PriceLevel, []models.PriceLevel) {
	bids := make([]models.PriceLevel, 0, len(b.bids))
	for _, l := range b.bids {
		bids = append(bids, l)
	}
	asks := make([]models.PriceLevel, 0, len(b.asks))
	for _, l := range b.asks {
		asks = append(asks, l)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	return bids, asks
}

func optional(raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}
