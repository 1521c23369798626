package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"quoteflow/models"

	gobinance "github.com/adshao/go-binance/v2"
)

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`

	// control replies
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type partialDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Normalize converts one combined-stream frame into market messages.
// Control replies yield no messages.
func Normalize(provider string, frame []byte, now time.Time) ([]models.MarketMessage, error) {
	var f combinedFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("decode binance frame: %w", err)
	}
	if f.Error != nil {
		return nil, fmt.Errorf("binance error %d: %s", f.Error.Code, f.Error.Msg)
	}
	if f.Stream == "" {
		return nil, nil
	}

	symbolPart, kind, ok := strings.Cut(f.Stream, "@")
	if !ok {
		return nil, fmt.Errorf("unexpected binance stream %q", f.Stream)
	}
	symbol := strings.ToUpper(symbolPart)

	var msg models.MarketMessage
	switch {
	case kind == "ticker":
		var ev gobinance.WsMarketStatEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		msg = tickerFromEvent(provider, &ev)
	case kind == "trade":
		var ev gobinance.WsTradeEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		t, err := tradeFromEvent(provider, &ev)
		if err != nil {
			return nil, err
		}
		msg = t
	case strings.HasPrefix(kind, "kline_"):
		var ev gobinance.WsKlineEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode kline: %w", err)
		}
		c, err := candleFromEvent(provider, &ev)
		if err != nil {
			return nil, err
		}
		msg = c
	case strings.HasPrefix(kind, "depth"):
		var ev partialDepth
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode depth: %w", err)
		}
		book, err := bookFromDepth(provider, symbol, &ev)
		if err != nil {
			return nil, err
		}
		msg = book
	default:
		return nil, fmt.Errorf("unsupported binance stream %q", f.Stream)
	}

	return []models.MarketMessage{models.Stamp(msg, now)}, nil
}

func tickerFromEvent(provider string, ev *gobinance.WsMarketStatEvent) models.Ticker {
	t := models.Ticker{
		Provider:      provider,
		Symbol:        ev.Symbol,
		Volume:        optional(ev.BaseVolume),
		Bid:           optional(ev.BidPrice),
		Ask:           optional(ev.AskPrice),
		BidSize:       optional(ev.BidQty),
		AskSize:       optional(ev.AskQty),
		High:          optional(ev.HighPrice),
		Low:           optional(ev.LowPrice),
		Open:          optional(ev.OpenPrice),
		Close:         optional(ev.PrevClosePrice),
		Change:        optional(ev.PriceChange),
		ChangePercent: optional(ev.PriceChangePercent),
		Timestamp:     ev.Time,
	}
	if p := optional(ev.LastPrice); p != nil {
		t.Price = *p
	}
	return t
}

func tradeFromEvent(provider string, ev *gobinance.WsTradeEvent) (models.Trade, error) {
	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		return models.Trade{}, fmt.Errorf("trade price %q: %w", ev.Price, err)
	}
	qty, err := strconv.ParseFloat(ev.Quantity, 64)
	if err != nil {
		return models.Trade{}, fmt.Errorf("trade quantity %q: %w", ev.Quantity, err)
	}
	side := models.SideBuy
	if ev.IsBuyerMaker {
		side = models.SideSell
	}
	ts := ev.TradeTime
	if ts == 0 {
		ts = ev.Time
	}
	return models.Trade{
		Provider:  provider,
		Symbol:    ev.Symbol,
		Price:     price,
		Quantity:  qty,
		Side:      side,
		Timestamp: ts,
	}, nil
}

func candleFromEvent(provider string, ev *gobinance.WsKlineEvent) (models.Candle, error) {
	k := ev.Kline
	var values [5]float64
	for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("kline value %q: %w", raw, err)
		}
		values[i] = v
	}
	symbol := ev.Symbol
	if symbol == "" {
		symbol = k.Symbol
	}
	return models.Candle{
		Provider:  provider,
		Symbol:    symbol,
		Interval:  k.Interval,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Timestamp: k.StartTime,
	}, nil
}

func bookFromDepth(provider, symbol string, ev *partialDepth) (models.OrderBook, error) {
	bids, err := levels(ev.Bids)
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("depth bids: %w", err)
	}
	asks, err := levels(ev.Asks)
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("depth asks: %w", err)
	}
	// partial depth snapshots carry no event time; Stamp fills it in
	return models.OrderBook{Provider: provider, Symbol: symbol, Bids: bids, Asks: asks}, nil
}

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
		qty, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
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
