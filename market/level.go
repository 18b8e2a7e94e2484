package market

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Side 盘口方向。
type Side int

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideAsk {
		return "ask"
	}
	return "bid"
}

// Level 单个价位；Quantity 为 0 表示该价位不存在。
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// MarshalJSON 输出交易所同款的 ["price","qty"] 字符串数组。
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price.String(), l.Quantity.String()})
}

func (l *Level) UnmarshalJSON(raw []byte) error {
	var pair [2]string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	lv, err := ParseLevel(pair[0], pair[1])
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// ParseLevel 解析字符串形式的价格/数量。
func ParseLevel(price, qty string) (Level, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return Level{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(qty)
	if err != nil {
		return Level{}, fmt.Errorf("parse qty %q: %w", qty, err)
	}
	return Level{Price: p, Quantity: q}, nil
}

// ParseLevels parses exchange [[price, qty], ...] pairs. Any malformed entry fails the whole batch.
func ParseLevels(pairs [][]string) ([]Level, error) {
	out := make([]Level, 0, len(pairs))
	for i, pair := range pairs {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level %d: expected [price, qty], got %d fields", i, len(pair))
		}
		lv, err := ParseLevel(pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		out = append(out, lv)
	}
	return out, nil
}

// MustLevel is a test/config helper; it panics on malformed input.
func MustLevel(price, qty string) Level {
	lv, err := ParseLevel(price, qty)
	if err != nil {
		panic(err)
	}
	return lv
}
