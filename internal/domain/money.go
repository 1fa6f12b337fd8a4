package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Money is a decimal amount. It is stored as BSON Decimal128 and encoded
// as a JSON string.
type Money struct {
	decimal.Decimal
}

func NewMoney(d decimal.Decimal) Money {
	return Money{Decimal: d}
}

// MustMoney parses s and panics on malformed input. Intended for constants
// and tests.
func MustMoney(s string) Money {
	return Money{Decimal: decimal.RequireFromString(s)}
}

func (m Money) Times(n int) Money {
	return Money{Decimal: m.Mul(decimal.NewFromInt(int64(n)))}
}

func (m Money) Plus(o Money) Money {
	return Money{Decimal: m.Add(o.Decimal)}
}

func (m Money) MarshalBSONValue() (bsontype.Type, []byte, error) {
	d, err := primitive.ParseDecimal128(m.String())
	if err != nil {
		return 0, nil, fmt.Errorf("encode money %s: %w", m.String(), err)
	}
	return bson.MarshalValue(d)
}

func (m *Money) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.Decimal128:
		d, err := decimal.NewFromString(raw.Decimal128().String())
		if err != nil {
			return fmt.Errorf("decode money: %w", err)
		}
		m.Decimal = d
	case bsontype.Double:
		m.Decimal = decimal.NewFromFloat(raw.Double())
	case bsontype.String:
		d, err := decimal.NewFromString(raw.StringValue())
		if err != nil {
			return fmt.Errorf("decode money: %w", err)
		}
		m.Decimal = d
	case bsontype.Null:
		m.Decimal = decimal.Zero
	default:
		return fmt.Errorf("decode money: unsupported bson type %s", t)
	}
	return nil
}
