package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEncodeDecodeTicker(t *testing.T) {
	in := Ticker{Provider: "binance", Symbol: "BTCUSDT", Price: 50001, Bid: Float(50000), Ask: Float(50002), Timestamp: 1700000000000}

	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := out.(Ticker)
	if !ok {
		t.Fatalf("expected Ticker, got %T", out)
	}
	if got.Price != in.Price || got.Bid == nil || *got.Bid != 50000 || got.Volume != nil {
		t.Fatalf("unexpected ticker: %+v", got)
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := Decode([]byte(`{"event":"ws_news","data":{}}`))
	if !errors.Is(err, ErrSerializationFailed) {
		t.Fatalf("expected serialization error, got %v", err)
	}
}

func TestCategoryEvents(t *testing.T) {
	want := map[Category]string{
		CategoryTicker:    "ws_ticker",
		CategoryOrderBook: "ws_orderbook",
		CategoryTrade:     "ws_trade",
		CategoryCandle:    "ws_candle",
		CategoryStatus:    "ws_status",
	}
	for c, event := range want {
		if c.Event() != event {
			t.Errorf("%s: expected %s, got %s", c, event, c.Event())
		}
		back, ok := CategoryFromEvent(event)
		if !ok || back != c {
			t.Errorf("CategoryFromEvent(%s) = %v, %v", event, back, ok)
		}
	}
}

func TestValidateMessage(t *testing.T) {
	if err := Validate(Status{Provider: "acme", State: StateConnected}); err != nil {
		t.Fatalf("status without symbol should be valid: %v", err)
	}
	if err := Validate(Trade{Provider: "acme"}); err == nil {
		t.Fatalf("expected error for trade without symbol")
	}
	if err := Validate(Ticker{Symbol: "BTCUSD"}); err == nil {
		t.Fatalf("expected error for ticker without provider")
	}
}

func TestStampOnlyFillsMissingTimestamp(t *testing.T) {
	now := time.UnixMilli(1234)
	stamped := Stamp(Trade{Provider: "a", Symbol: "b"}, now)
	if stamped.Time() != 1234 {
		t.Fatalf("expected stamped timestamp, got %d", stamped.Time())
	}
	kept := Stamp(Trade{Provider: "a", Symbol: "b", Timestamp: 99}, now)
	if kept.Time() != 99 {
		t.Fatalf("provider timestamp overwritten: %d", kept.Time())
	}
}

func TestSubscriptionTopicFoldsCase(t *testing.T) {
	lower := Subscription{Symbol: "btcusdt", Channel: "Ticker"}.Topic("binance")
	upper := Subscription{Symbol: " BTCUSDT", Channel: "ticker"}.Topic("binance")
	if lower != upper {
		t.Fatalf("expected one topic, got %+v and %+v", lower, upper)
	}
	if lower.String() != "binance.ticker.BTCUSDT" {
		t.Fatalf("unexpected topic %s", lower)
	}
}

func TestParseTopic(t *testing.T) {
	topic, err := ParseTopic("yahoo.ticker.BRK.B")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if topic.Provider != "yahoo" || topic.Channel != "ticker" || topic.Symbol != "BRK.B" {
		t.Fatalf("unexpected topic: %+v", topic)
	}
	if topic.String() != "yahoo.ticker.BRK.B" {
		t.Fatalf("unexpected string: %s", topic)
	}
	for _, bad := range []string{"", "acme", "acme.ticker", ".ticker.BTC"} {
		if _, err := ParseTopic(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestOperatorApply(t *testing.T) {
	hi := 200.0
	tests := []struct {
		op   Operator
		x    float64
		want bool
	}{
		{OpGT, 50001, true},
		{OpGT, 100, false},
		{OpLT, 99, true},
		{OpGTE, 100, true},
		{OpLTE, 100, true},
		{OpEQ, 100, true},
		{OpBetween, 150, true},
		{OpBetween, 100, true},
		{OpBetween, 200, true},
		{OpBetween, 99, false},
		{OpBetween, 201, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%g", tt.op, tt.x), func(t *testing.T) {
			value := 100.0
			if tt.op == OpGT && tt.x > 1000 {
				value = 50000
			}
			if got := tt.op.Apply(tt.x, value, &hi); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFieldExtractSpreadNeedsBidAndAsk(t *testing.T) {
	if _, ok := FieldSpread.Extract(Ticker{Ask: Float(10)}); ok {
		t.Fatalf("spread without bid must not be extracted")
	}
	v, ok := FieldSpread.Extract(Ticker{Bid: Float(9.5), Ask: Float(10)})
	if !ok || v != 0.5 {
		t.Fatalf("unexpected spread %v %v", v, ok)
	}
}

func TestConditionRecordRoundTrip(t *testing.T) {
	hi := 200.0
	cond := MonitorCondition{ID: 7, Provider: "acme", Symbol: "BTCUSD", Field: FieldVolume, Operator: OpBetween, Value: 100, Value2: &hi, Enabled: true}
	rec := cond.Record()
	if rec.Field != "volume" || rec.Operator != "between" {
		t.Fatalf("unexpected stored strings: %+v", rec)
	}
	back, err := rec.Condition()
	if err != nil {
		t.Fatalf("parse record: %v", err)
	}
	if back.Field != FieldVolume || back.Operator != OpBetween || *back.Value2 != 200 {
		t.Fatalf("unexpected condition: %+v", back)
	}
}

func TestConditionRecordInvalid(t *testing.T) {
	_, err := ConditionRecord{ID: 1, Provider: "a", Symbol: "b", Field: "rsi", Operator: ">"}.Condition()
	if !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("expected invalid condition, got %v", err)
	}
	_, err = ConditionRecord{ID: 2, Provider: "a", Symbol: "b", Field: "price", Operator: "between", Value: 1}.Condition()
	if !errors.Is(err, ErrInvalidCondition) {
		t.Fatalf("expected invalid condition for between without value2, got %v", err)
	}
}

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := ConnectFailed("acme", cause)
	if !errors.Is(err, ErrConnectFailed) || !errors.Is(err, cause) {
		t.Fatalf("error does not unwrap: %v", err)
	}
	if got := err.Error(); got != "connect failed [acme]: dial tcp: refused" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestProviderConfigParam(t *testing.T) {
	cfg := ProviderConfig{Name: "binance", Params: []byte(`{"depth":20}`)}
	var depth int
	found, err := cfg.Param("depth", &depth)
	if err != nil || !found || depth != 20 {
		t.Fatalf("unexpected param: %v %v %d", found, err, depth)
	}
	found, err = cfg.Param("missing", &depth)
	if err != nil || found {
		t.Fatalf("expected missing param")
	}
}
