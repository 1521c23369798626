package okx

import (
	"bytes"
	"compress/flate"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"quoteflow/models"
)

type push struct {
	Arg   arg             `json:"arg"`
	Data  json.RawMessage `json:"data"`
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
}

type tickerData struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	AskPx   string `json:"askPx"`
	AskSz   string `json:"askSz"`
	BidPx   string `json:"bidPx"`
	BidSz   string `json:"bidSz"`
	Open24h string `json:"open24h"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Vol24h  string `json:"vol24h"`
	Ts      string `json:"ts"`
}

type tradeData struct {
	InstID string `json:"instId"`
	Px     string `json:"px"`
	Sz     string `json:"sz"`
	Side   string `json:"side"`
	Ts     string `json:"ts"`
}

type bookData struct {
	Asks   [][]string `json:"asks"`
	Bids   [][]string `json:"bids"`
	InstID string     `json:"instId"`
	Ts     string     `json:"ts"`
}

// Normalize converts one OKX push into market messages. Event replies and
// the "pong" keepalive yield nothing.
func Normalize(provider string, frame []byte, now time.Time) ([]models.MarketMessage, error) {
	frame = bytes.TrimSpace(frame)
	if string(frame) == "pong" {
		return nil, nil
	}
	if len(frame) > 0 && frame[0] != '{' {
		inflated, err := inflate(frame)
		if err != nil {
			return nil, err
		}
		frame = inflated
	}

	var p push
	if err := json.Unmarshal(frame, &p); err != nil {
		return nil, fmt.Errorf("decode okx frame: %w", err)
	}
	if p.Event == "error" {
		return nil, fmt.Errorf("okx error %s: %s", p.Code, p.Msg)
	}
	if p.Event != "" || len(p.Data) == 0 {
		return nil, nil
	}

	var out []models.MarketMessage
	switch p.Arg.Channel {
	case "tickers":
		var data []tickerData
		if err := json.Unmarshal(p.Data, &data); err != nil {
			return nil, fmt.Errorf("decode tickers: %w", err)
		}
		for _, d := range data {
			out = append(out, ticker(provider, d))
		}
	case "trades":
		var data []tradeData
		if err := json.Unmarshal(p.Data, &data); err != nil {
			return nil, fmt.Errorf("decode trades: %w", err)
		}
		for _, d := range data {
			t, err := trade(provider, d)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	case "books5":
		var data []bookData
		if err := json.Unmarshal(p.Data, &data); err != nil {
			return nil, fmt.Errorf("decode books5: %w", err)
		}
		for _, d := range data {
			b, err := orderBook(provider, d)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
	default:
		return nil, fmt.Errorf("unsupported okx channel %q", p.Arg.Channel)
	}

	for i, m := range out {
		out[i] = models.Stamp(m, now)
	}
	return out, nil
}

func ticker(provider string, d tickerData) models.Ticker {
	t := models.Ticker{
		Provider:  provider,
		Symbol:    d.InstID,
		Volume:    optional(d.Vol24h),
		Bid:       optional(d.BidPx),
		BidSize:   optional(d.BidSz),
		Ask:       optional(d.AskPx),
		AskSize:   optional(d.AskSz),
		High:      optional(d.High24h),
		Low:       optional(d.Low24h),
		Open:      optional(d.Open24h),
		Timestamp: millis(d.Ts),
	}
	if last := optional(d.Last); last != nil {
		t.Price = *last
		if t.Open != nil && *t.Open != 0 {
			t.Change = models.Float(*last - *t.Open)
			t.ChangePercent = models.Float((*last - *t.Open) / *t.Open * 100)
		}
	}
	return t
}

func trade(provider string, d tradeData) (models.Trade, error) {
	price, err := strconv.ParseFloat(d.Px, 64)
	if err != nil {
		return models.Trade{}, fmt.Errorf("trade price %q: %w", d.Px, err)
	}
	size, err := strconv.ParseFloat(d.Sz, 64)
	if err != nil {
		return models.Trade{}, fmt.Errorf("trade size %q: %w", d.Sz, err)
	}
	return models.Trade{
		Provider:  provider,
		Symbol:    d.InstID,
		Price:     price,
		Quantity:  size,
		Side:      models.TradeSide(d.Side),
		Timestamp: millis(d.Ts),
	}, nil
}

func orderBook(provider string, d bookData) (models.OrderBook, error) {
	bids, err := levels(d.Bids)
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := levels(d.Asks)
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("asks: %w", err)
	}
	return models.OrderBook{
		Provider:  provider,
		Symbol:    d.InstID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: millis(d.Ts),
	}, nil
}

// levels reads [price, size, deprecated, orders] entries.
func levels(raw [][]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("short price level %v", lvl)
		}
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: size})
	}
	return out, nil
}

func inflate(frame []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(frame))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate okx frame: %w", err)
	}
	return out, nil
}

func millis(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
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
