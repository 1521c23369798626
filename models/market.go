package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category identifies one broadcast stream of normalized market messages.
type Category int

const (
	CategoryTicker Category = iota
	CategoryOrderBook
	CategoryTrade
	CategoryCandle
	CategoryStatus
)

// Categories lists every category in routing order.
var Categories = []Category{
	CategoryTicker,
	CategoryOrderBook,
	CategoryTrade,
	CategoryCandle,
	CategoryStatus,
}

func (c Category) String() string {
	switch c {
	case CategoryTicker:
		return "ticker"
	case CategoryOrderBook:
		return "orderbook"
	case CategoryTrade:
		return "trade"
	case CategoryCandle:
		return "candle"
	case CategoryStatus:
		return "status"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Event is the discriminator used on the wire for messages of this category.
func (c Category) Event() string {
	return "ws_" + c.String()
}

// CategoryFromEvent maps a wire event name back to its category.
func CategoryFromEvent(event string) (Category, bool) {
	for _, c := range Categories {
		if c.Event() == event {
			return c, true
		}
	}
	return 0, false
}

// MarketMessage is the closed set of normalized messages: Ticker, OrderBook,
// Trade, Candle and Status.
type MarketMessage interface {
	Category() Category
	Source() string
	// Time returns the message timestamp in unix milliseconds.
	Time() int64
	marketMessage()
}

type Ticker struct {
	Provider      string   `json:"provider"`
	Symbol        string   `json:"symbol"`
	Price         float64  `json:"price"`
	Volume        *float64 `json:"volume,omitempty"`
	Bid           *float64 `json:"bid,omitempty"`
	Ask           *float64 `json:"ask,omitempty"`
	BidSize       *float64 `json:"bid_size,omitempty"`
	AskSize       *float64 `json:"ask_size,omitempty"`
	High          *float64 `json:"high,omitempty"`
	Low           *float64 `json:"low,omitempty"`
	Open          *float64 `json:"open,omitempty"`
	Close         *float64 `json:"close,omitempty"`
	Change        *float64 `json:"change,omitempty"`
	ChangePercent *float64 `json:"change_percent,omitempty"`
	Timestamp     int64    `json:"timestamp"`
}

// PriceLevel is one side entry of an order book.
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

type OrderBook struct {
	Provider  string       `json:"provider"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// TradeSide is the aggressor side of a trade. Empty means unknown.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

type Trade struct {
	Provider  string    `json:"provider"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      TradeSide `json:"side,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

type Candle struct {
	Provider  string  `json:"provider"`
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

// Status reports a connection lifecycle transition of one provider.
type Status struct {
	Provider  string          `json:"provider"`
	State     ConnectionState `json:"state"`
	Detail    string          `json:"detail,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

func (Ticker) Category() Category    { return CategoryTicker }
func (OrderBook) Category() Category { return CategoryOrderBook }
func (Trade) Category() Category     { return CategoryTrade }
func (Candle) Category() Category    { return CategoryCandle }
func (Status) Category() Category    { return CategoryStatus }

func (t Ticker) Source() string    { return t.Provider }
func (o OrderBook) Source() string { return o.Provider }
func (t Trade) Source() string     { return t.Provider }
func (c Candle) Source() string    { return c.Provider }
func (s Status) Source() string    { return s.Provider }

func (t Ticker) Time() int64    { return t.Timestamp }
func (o OrderBook) Time() int64 { return o.Timestamp }
func (t Trade) Time() int64     { return t.Timestamp }
func (c Candle) Time() int64    { return c.Timestamp }
func (s Status) Time() int64    { return s.Timestamp }

func (Ticker) marketMessage()    {}
func (OrderBook) marketMessage() {}
func (Trade) marketMessage()     {}
func (Candle) marketMessage()    {}
func (Status) marketMessage()    {}

// SymbolOf returns the symbol carried by msg. Status messages have none.
func SymbolOf(msg MarketMessage) string {
	switch m := msg.(type) {
	case Ticker:
		return m.Symbol
	case OrderBook:
		return m.Symbol
	case Trade:
		return m.Symbol
	case Candle:
		return m.Symbol
	default:
		return ""
	}
}

// Validate checks that provider and, except for Status, symbol are set.
func Validate(msg MarketMessage) error {
	if msg == nil {
		return fmt.Errorf("nil market message")
	}
	if msg.Source() == "" {
		return fmt.Errorf("%s message without provider", msg.Category())
	}
	if msg.Category() != CategoryStatus && SymbolOf(msg) == "" {
		return fmt.Errorf("%s message from %s without symbol", msg.Category(), msg.Source())
	}
	return nil
}

// Stamp returns msg with its timestamp set to now when the provider did not
// supply one.
func Stamp(msg MarketMessage, now time.Time) MarketMessage {
	if msg == nil || msg.Time() != 0 {
		return msg
	}
	ms := now.UnixMilli()
	switch m := msg.(type) {
	case Ticker:
		m.Timestamp = ms
		return m
	case OrderBook:
		m.Timestamp = ms
		return m
	case Trade:
		m.Timestamp = ms
		return m
	case Candle:
		m.Timestamp = ms
		return m
	case Status:
		m.Timestamp = ms
		return m
	}
	return msg
}

// Envelope is the serialized form of a market message pushed to clients and
// sinks.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode serializes msg into its event envelope.
func Encode(msg MarketMessage) ([]byte, error) {
	if msg == nil {
		return nil, NewError(ErrSerializationFailed, "", "nil market message", nil)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, NewError(ErrSerializationFailed, msg.Source(), "marshal "+msg.Category().String(), err)
	}
	out, err := json.Marshal(Envelope{Event: msg.Category().Event(), Data: data})
	if err != nil {
		return nil, NewError(ErrSerializationFailed, msg.Source(), "marshal envelope", err)
	}
	return out, nil
}

// Decode reconstructs a market message from an encoded envelope.
func Decode(raw []byte) (MarketMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(ErrSerializationFailed, "", "unmarshal envelope", err)
	}
	category, ok := CategoryFromEvent(env.Event)
	if !ok {
		return nil, NewError(ErrSerializationFailed, "", "unknown event "+env.Event, nil)
	}

	var (
		msg MarketMessage
		err error
	)
	switch category {
	case CategoryTicker:
		var m Ticker
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case CategoryOrderBook:
		var m OrderBook
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case CategoryTrade:
		var m Trade
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case CategoryCandle:
		var m Candle
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case CategoryStatus:
		var m Status
		err = json.Unmarshal(env.Data, &m)
		msg = m
	}
	if err != nil {
		return nil, NewError(ErrSerializationFailed, "", "unmarshal "+category.String(), err)
	}
	return msg, nil
}

// Float returns a pointer to v, for optional ticker fields.
func Float(v float64) *float64 {
	return &v
}
