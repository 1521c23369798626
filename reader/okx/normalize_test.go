package okx

import (
	"bytes"
	"compress/flate"
	"math"
	"testing"
	"time"

	"quoteflow/models"
)

var fixedNow = time.UnixMilli(5)

func TestNormalizeTicker(t *testing.T) {
	frame := `{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instType":"SPOT","instId":"BTC-USDT",
		"last":"110","askPx":"110.5","askSz":"1","bidPx":"109.5","bidSz":"2","open24h":"100","high24h":"111",
		"low24h":"99","vol24h":"2222","ts":"1597026383085"}]}`

	msgs, err := Normalize("okx", []byte(frame), fixedNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	tk := msgs[0].(models.Ticker)
	if tk.Symbol != "BTC-USDT" || tk.Price != 110 || tk.Timestamp != 1597026383085 {
		t.Fatalf("unexpected ticker: %+v", tk)
	}
	if tk.ChangePercent == nil || math.Abs(*tk.ChangePercent-10) > 1e-9 {
		t.Fatalf("expected 10 percent change, got %v", tk.ChangePercent)
	}
	spread, ok := models.FieldSpread.Extract(tk)
	if !ok || spread != 1 {
		t.Fatalf("expected spread 1, got %v %v", spread, ok)
	}
}

func TestNormalizeTradesAndBooks(t *testing.T) {
	trades := `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","tradeId":"1","px":"42219.9","sz":"0.12","side":"sell","ts":"1630048897897"}]}`
	msgs, err := Normalize("okx", []byte(trades), fixedNow)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if tr := msgs[0].(models.Trade); tr.Side != models.SideSell || tr.Price != 42219.9 {
		t.Fatalf("unexpected trade: %+v", tr)
	}

	books := `{"arg":{"channel":"books5","instId":"BTC-USDT"},"data":[{"asks":[["111.06","55","0","2"]],"bids":[["111.05","10","0","1"]],"instId":"BTC-USDT"}]}`
	msgs, err = Normalize("okx", []byte(books), fixedNow)
	if err != nil {
		t.Fatalf("books: %v", err)
	}
	b := msgs[0].(models.OrderBook)
	if len(b.Asks) != 1 || b.Bids[0].Quantity != 10 || b.Timestamp != fixedNow.UnixMilli() {
		t.Fatalf("unexpected book: %+v", b)
	}
}

func TestNormalizeCompressedFrame(t *testing.T) {
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	_, _ = w.Write([]byte(`{"arg":{"channel":"trades","instId":"ETH-USDT"},"data":[{"instId":"ETH-USDT","px":"1","sz":"2","side":"buy","ts":"9"}]}`))
	_ = w.Close()

	msgs, err := Normalize("okx", buf.Bytes(), fixedNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(msgs) != 1 || msgs[0].(models.Trade).Symbol != "ETH-USDT" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestNormalizeEvents(t *testing.T) {
	for _, frame := range []string{"pong", `{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"},"connId":"a"}`} {
		msgs, err := Normalize("okx", []byte(frame), fixedNow)
		if err != nil || len(msgs) != 0 {
			t.Fatalf("%s: expected nothing, got %v %v", frame, msgs, err)
		}
	}
	if _, err := Normalize("okx", []byte(`{"event":"error","code":"60012","msg":"Invalid request"}`), fixedNow); err == nil {
		t.Fatal("expected error event to surface")
	}
}

func TestChannelArg(t *testing.T) {
	a, err := ChannelArg(models.Subscription{Symbol: "btc-usdt", Channel: models.ChannelOrderBook})
	if err != nil || a.Channel != "books5" || a.InstID != "BTC-USDT" {
		t.Fatalf("unexpected arg %+v %v", a, err)
	}
	if _, err := ChannelArg(models.Subscription{Symbol: "BTC-USDT", Channel: models.ChannelCandle}); err == nil {
		t.Fatal("expected candle to be rejected")
	}
}
