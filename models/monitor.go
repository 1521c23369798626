package models

import (
	"fmt"
	"strings"
)

// Field is the ticker quantity a condition watches.
type Field int

const (
	FieldPrice Field = iota
	FieldVolume
	FieldChangePercent
	FieldSpread
)

func (f Field) String() string {
	switch f {
	case FieldPrice:
		return "price"
	case FieldVolume:
		return "volume"
	case FieldChangePercent:
		return "change_percent"
	case FieldSpread:
		return "spread"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

func ParseField(s string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "price":
		return FieldPrice, nil
	case "volume":
		return FieldVolume, nil
	case "change_percent", "changepercent":
		return FieldChangePercent, nil
	case "spread":
		return FieldSpread, nil
	default:
		return 0, InvalidCondition(fmt.Sprintf("unknown field %q", s))
	}
}

func (f Field) MarshalText() ([]byte, error) {
	if f < FieldPrice || f > FieldSpread {
		return nil, InvalidCondition(fmt.Sprintf("unknown field %d", int(f)))
	}
	return []byte(f.String()), nil
}

func (f *Field) UnmarshalText(text []byte) error {
	v, err := ParseField(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Extract reads the field from a ticker. It reports false when the ticker
// does not carry the value; spread needs both bid and ask.
func (f Field) Extract(t Ticker) (float64, bool) {
	switch f {
	case FieldPrice:
		return t.Price, true
	case FieldVolume:
		if t.Volume == nil {
			return 0, false
		}
		return *t.Volume, true
	case FieldChangePercent:
		if t.ChangePercent == nil {
			return 0, false
		}
		return *t.ChangePercent, true
	case FieldSpread:
		if t.Bid == nil || t.Ask == nil {
			return 0, false
		}
		return *t.Ask - *t.Bid, true
	default:
		return 0, false
	}
}

// Operator compares an extracted value with a condition threshold.
type Operator int

const (
	OpGT Operator = iota
	OpLT
	OpGTE
	OpLTE
	OpEQ
	OpBetween
)

func (o Operator) String() string {
	switch o {
	case OpGT:
		return ">"
	case OpLT:
		return "<"
	case OpGTE:
		return ">="
	case OpLTE:
		return "<="
	case OpEQ:
		return "=="
	case OpBetween:
		return "between"
	default:
		return fmt.Sprintf("operator(%d)", int(o))
	}
}

func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ">", "gt":
		return OpGT, nil
	case "<", "lt":
		return OpLT, nil
	case ">=", "gte":
		return OpGTE, nil
	case "<=", "lte":
		return OpLTE, nil
	case "==", "=", "eq":
		return OpEQ, nil
	case "between":
		return OpBetween, nil
	default:
		return 0, InvalidCondition(fmt.Sprintf("unknown operator %q", s))
	}
}

func (o Operator) MarshalText() ([]byte, error) {
	if o < OpGT || o > OpBetween {
		return nil, InvalidCondition(fmt.Sprintf("unknown operator %d", int(o)))
	}
	return []byte(o.String()), nil
}

func (o *Operator) UnmarshalText(text []byte) error {
	v, err := ParseOperator(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Apply evaluates x against the thresholds. Between is inclusive on both ends.
func (o Operator) Apply(x, value float64, value2 *float64) bool {
	switch o {
	case OpGT:
		return x > value
	case OpLT:
		return x < value
	case OpGTE:
		return x >= value
	case OpLTE:
		return x <= value
	case OpEQ:
		return x == value
	case OpBetween:
		if value2 == nil {
			return false
		}
		return value <= x && x <= *value2
	default:
		return false
	}
}

type MonitorCondition struct {
	ID        int64    `json:"id"`
	Provider  string   `json:"provider"`
	Symbol    string   `json:"symbol"`
	Field     Field    `json:"field"`
	Operator  Operator `json:"operator"`
	Value     float64  `json:"value"`
	Value2    *float64 `json:"value2,omitempty"`
	Enabled   bool     `json:"enabled"`
	CreatedAt int64    `json:"created_at,omitempty"`
}

func (c MonitorCondition) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return InvalidCondition("provider is required")
	}
	if strings.TrimSpace(c.Symbol) == "" {
		return InvalidCondition("symbol is required")
	}
	if _, err := c.Field.MarshalText(); err != nil {
		return err
	}
	if _, err := c.Operator.MarshalText(); err != nil {
		return err
	}
	if c.Operator == OpBetween {
		if c.Value2 == nil {
			return InvalidCondition("between requires value2")
		}
		if *c.Value2 < c.Value {
			return InvalidCondition(fmt.Sprintf("between range [%g, %g] is empty", c.Value, *c.Value2))
		}
	}
	return nil
}

// Matches reports whether x satisfies the condition.
func (c MonitorCondition) Matches(x float64) bool {
	return c.Operator.Apply(x, c.Value, c.Value2)
}

// ConditionRecord is a stored condition row before its field and operator
// strings are parsed.
type ConditionRecord struct {
	ID        int64
	Provider  string
	Symbol    string
	Field     string
	Operator  string
	Value     float64
	Value2    *float64
	Enabled   bool
	CreatedAt int64
}

// Condition parses the record. A malformed row fails with ErrInvalidCondition.
func (r ConditionRecord) Condition() (MonitorCondition, error) {
	field, err := ParseField(r.Field)
	if err != nil {
		return MonitorCondition{}, fmt.Errorf("condition %d: %w", r.ID, err)
	}
	op, err := ParseOperator(r.Operator)
	if err != nil {
		return MonitorCondition{}, fmt.Errorf("condition %d: %w", r.ID, err)
	}
	c := MonitorCondition{
		ID:        r.ID,
		Provider:  r.Provider,
		Symbol:    r.Symbol,
		Field:     field,
		Operator:  op,
		Value:     r.Value,
		Value2:    r.Value2,
		Enabled:   r.Enabled,
		CreatedAt: r.CreatedAt,
	}
	if err := c.Validate(); err != nil {
		return MonitorCondition{}, fmt.Errorf("condition %d: %w", r.ID, err)
	}
	return c, nil
}

// Record converts the condition into its stored row form.
func (c MonitorCondition) Record() ConditionRecord {
	return ConditionRecord{
		ID:        c.ID,
		Provider:  c.Provider,
		Symbol:    c.Symbol,
		Field:     c.Field.String(),
		Operator:  c.Operator.String(),
		Value:     c.Value,
		Value2:    c.Value2,
		Enabled:   c.Enabled,
		CreatedAt: c.CreatedAt,
	}
}

// MonitorAlert is an immutable record of a condition turning satisfied.
// TriggeredAt is in unix seconds.
type MonitorAlert struct {
	ID             int64   `json:"id"`
	ConditionID    int64   `json:"condition_id"`
	Provider       string  `json:"provider"`
	Symbol         string  `json:"symbol"`
	Field          Field   `json:"field"`
	TriggeredValue float64 `json:"triggered_value"`
	TriggeredAt    int64   `json:"triggered_at"`
}
