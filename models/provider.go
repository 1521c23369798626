package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConnectionState is a step of the per-provider connection lifecycle.
type ConnectionState string

const (
	StateUnconfigured   ConnectionState = "unconfigured"
	StateConfigured     ConnectionState = "configured"
	StateConnecting     ConnectionState = "connecting"
	StateConnected      ConnectionState = "connected"
	StateDisconnecting  ConnectionState = "disconnecting"
	StateConnectionLost ConnectionState = "connection_lost"
	StateReconnecting   ConnectionState = "reconnecting"
	// StateDisconnected is only reported in Status messages; the provider
	// itself rests in StateConfigured afterwards.
	StateDisconnected ConnectionState = "disconnected"
)

// Active reports whether a provider in this state owns a running receive loop.
func (s ConnectionState) Active() bool {
	switch s {
	case StateConnecting, StateConnected, StateConnectionLost, StateReconnecting:
		return true
	default:
		return false
	}
}

// ProviderConfig is the connection configuration of one provider, keyed by Name.
type ProviderConfig struct {
	Name      string          `json:"provider_name"`
	Endpoint  string          `json:"endpoint,omitempty"`
	APIKey    string          `json:"api_key,omitempty"`
	APISecret string          `json:"api_secret,omitempty"`
	Enabled   bool            `json:"enabled"`
	Params    json.RawMessage `json:"config_data,omitempty"`
	CreatedAt int64           `json:"created_at,omitempty"`
	UpdatedAt int64           `json:"updated_at,omitempty"`
}

// Param decodes one key of the provider specific parameters into dst. It
// reports false when the key is absent.
func (c ProviderConfig) Param(key string, dst interface{}) (bool, error) {
	if len(c.Params) == 0 {
		return false, nil
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(c.Params, &params); err != nil {
		return false, fmt.Errorf("decode %s params: %w", c.Name, err)
	}
	raw, ok := params[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s param %q: %w", c.Name, key, err)
	}
	return true, nil
}

// ConnectionMetrics is a read-only snapshot of one provider connection.
type ConnectionMetrics struct {
	Provider         string          `json:"provider"`
	State            ConnectionState `json:"state"`
	Connected        bool            `json:"connected"`
	SubscribedTopics int             `json:"subscribed_topics"`
	MessagesReceived uint64          `json:"messages_received"`
	LastMessageAt    *int64          `json:"last_message_at,omitempty"`
	ReconnectCount   uint64          `json:"reconnect_count"`
	ErrorCount       uint64          `json:"error_count"`
}

const (
	ChannelTicker    = "ticker"
	ChannelOrderBook = "orderbook"
	ChannelTrade     = "trade"
	ChannelCandle    = "candle"
)

// Topic identifies one subscribable feed. Equality is on the whole triple.
type Topic struct {
	Provider string `json:"provider"`
	Channel  string `json:"channel"`
	Symbol   string `json:"symbol"`
}

func (t Topic) String() string {
	return t.Provider + "." + t.Channel + "." + t.Symbol
}

// NewTopic builds a topic with the channel lower-cased and the symbol
// upper-cased. Upstreams fold symbol case, so "btcusdt" and "BTCUSDT" name
// the same feed.
func NewTopic(provider, channel, symbol string) Topic {
	return Topic{
		Provider: strings.TrimSpace(provider),
		Channel:  strings.ToLower(strings.TrimSpace(channel)),
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

// ParseTopic splits "provider.channel.symbol". The symbol may itself contain dots.
func ParseTopic(s string) (Topic, error) {
	provider, rest, ok := strings.Cut(s, ".")
	if !ok || provider == "" {
		return Topic{}, fmt.Errorf("invalid topic %q", s)
	}
	channel, symbol, ok := strings.Cut(rest, ".")
	if !ok || channel == "" || symbol == "" {
		return Topic{}, fmt.Errorf("invalid topic %q", s)
	}
	return Topic{Provider: provider, Channel: channel, Symbol: symbol}, nil
}

// Subscription is one symbol+channel request sent to a provider.
type Subscription struct {
	Symbol  string          `json:"symbol"`
	Channel string          `json:"channel"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Topic returns the folded topic of s on provider.
func (s Subscription) Topic(provider string) Topic {
	return NewTopic(provider, s.Channel, s.Symbol)
}

// Param decodes one key of the subscription parameters into dst.
func (s Subscription) Param(key string, dst interface{}) (bool, error) {
	if len(s.Params) == 0 {
		return false, nil
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(s.Params, &params); err != nil {
		return false, fmt.Errorf("decode subscription params: %w", err)
	}
	raw, ok := params[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode subscription param %q: %w", key, err)
	}
	return true, nil
}
