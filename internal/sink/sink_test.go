package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"quoteflow/config"
	"quoteflow/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaKeysByProviderAndSymbol(t *testing.T) {
	w := &fakeWriter{}
	k := newKafka(w, "market")

	tick := models.Ticker{Provider: "binance", Symbol: "BTCUSDT", Price: 1, Timestamp: 10}
	if err := k.Deliver(context.Background(), tick); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one record, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "binance.BTCUSDT" {
		t.Fatalf("unexpected key %q", w.msgs[0].Key)
	}
	decoded, err := models.Decode(w.msgs[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got, ok := decoded.(models.Ticker); !ok || got.Price != 1 {
		t.Fatalf("unexpected payload %+v", decoded)
	}

	status := models.Status{Provider: "binance", State: models.StateConnected, Timestamp: 11}
	_ = k.Deliver(context.Background(), status)
	if string(w.msgs[1].Key) != "binance" {
		t.Fatalf("status key should be the provider, got %q", w.msgs[1].Key)
	}

	_ = k.Close()
	if !w.closed {
		t.Fatal("close must close the writer")
	}
}

func TestKafkaWriteErrorIsReturned(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	k := newKafka(w, "market")
	if err := k.Deliver(context.Background(), models.Trade{Provider: "a", Symbol: "B"}); err == nil {
		t.Fatal("expected write error")
	}
}

func TestNewKafkaValidates(t *testing.T) {
	if _, err := NewKafka(config.KafkaConfig{Topic: "x"}); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestRedisPublishesAndKeepsLatest(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := newRedis(client, "qf")
	t.Cleanup(func() { r.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, r.Channel(models.CategoryTicker))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tick := models.Ticker{Provider: "bybit", Symbol: "ETHUSDT", Price: 2500, Timestamp: 1}
	if err := r.Deliver(ctx, tick); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Channel != "qf:ws_ticker" {
			t.Fatalf("unexpected channel %s", msg.Channel)
		}
		decoded, err := models.Decode([]byte(msg.Payload))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.(models.Ticker).Price != 2500 {
			t.Fatalf("unexpected payload %+v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}

	if !mr.Exists("qf:last:ws_ticker:bybit.ETHUSDT") {
		t.Fatal("expected latest snapshot key")
	}
}

func TestNewSelectsKind(t *testing.T) {
	s, err := New(context.Background(), config.SinkConfig{Kind: config.SinkNone})
	if err != nil || s != nil {
		t.Fatalf("none should yield no sink, got %v %v", s, err)
	}
	if _, err := New(context.Background(), config.SinkConfig{Kind: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}

	mr := miniredis.RunT(t)
	s, err = New(context.Background(), config.SinkConfig{Kind: config.SinkRedis, Redis: config.RedisConfig{Addr: mr.Addr()}})
	if err != nil {
		t.Fatalf("redis sink: %v", err)
	}
	defer s.Close()
	if s.Name() != "redis" {
		t.Fatalf("unexpected sink %s", s.Name())
	}
}

func TestCategories(t *testing.T) {
	got, err := Categories([]string{"ticker", " Trade "})
	if err != nil {
		t.Fatalf("categories: %v", err)
	}
	if len(got) != 2 || got[0] != models.CategoryTicker || got[1] != models.CategoryTrade {
		t.Fatalf("unexpected categories %v", got)
	}
	if _, err := Categories([]string{"quotes"}); err == nil {
		t.Fatal("expected error for unknown category")
	}
}
