package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestCartTotals(t *testing.T) {
	c := &Cart{Items: []CartItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: MustMoney("10.00")},
		{ProductID: "p2", Quantity: 3, UnitPrice: MustMoney("0.99")},
	}}

	assert.Equal(t, 5, c.ItemCount())
	assert.True(t, c.Subtotal().Equal(MustMoney("22.97").Decimal))
	assert.False(t, c.IsEmpty())

	i, ok := c.Find("p2")
	assert.True(t, ok)
	assert.Equal(t, 1, i)
	_, ok = c.Find("nope")
	assert.False(t, ok)
}

func TestEmptyCart(t *testing.T) {
	c := EmptyCart(Guest("s"), time.Now())
	assert.True(t, c.IsEmpty())
	assert.NotNil(t, c.Items)
	assert.True(t, c.Subtotal().IsZero())
}

func TestClampQuantity(t *testing.T) {
	q, clamped := ClampQuantity(102)
	assert.Equal(t, 99, q)
	assert.True(t, clamped)

	q, clamped = ClampQuantity(99)
	assert.Equal(t, 99, q)
	assert.False(t, clamped)
}

func TestPickCanonical(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := Cart{ID: "a", UpdatedAt: t0, Items: make([]CartItem, 5)}
	newer := Cart{ID: "b", UpdatedAt: t0.Add(time.Minute), Items: make([]CartItem, 1)}
	keep, discard := PickCanonical([]Cart{older, newer})
	assert.Equal(t, "b", keep.ID)
	require.Len(t, discard, 1)
	assert.Equal(t, "a", discard[0].ID)

	// same timestamp: more lines wins, then smallest id
	fat := Cart{ID: "z", UpdatedAt: t0, Items: make([]CartItem, 3)}
	thin := Cart{ID: "c", UpdatedAt: t0, Items: make([]CartItem, 1)}
	thin2 := Cart{ID: "d", UpdatedAt: t0, Items: make([]CartItem, 1)}
	keep, discard = PickCanonical([]Cart{thin2, thin, fat})
	assert.Equal(t, "z", keep.ID)
	assert.Len(t, discard, 2)

	keep, _ = PickCanonical([]Cart{thin2, thin})
	assert.Equal(t, "c", keep.ID)

	keep, discard = PickCanonical(nil)
	assert.Empty(t, keep.ID)
	assert.Nil(t, discard)
}

func TestAppendMergedSession_Bounded(t *testing.T) {
	var ledger []string
	for i := 0; i < MergedSessionsLimit+5; i++ {
		ledger = AppendMergedSession(ledger, string(rune('a'+i)))
	}
	assert.Len(t, ledger, MergedSessionsLimit)
	assert.Equal(t, string(rune('a'+MergedSessionsLimit+4)), ledger[len(ledger)-1])

	c := &Cart{MergedSessions: ledger}
	assert.True(t, c.HasMerged(ledger[0]))
	assert.False(t, c.HasMerged("a"))
}

func TestCloneIsDeep(t *testing.T) {
	c := &Cart{Items: []CartItem{{ProductID: "p", Quantity: 1}}}
	cp := c.Clone()
	cp.Items[0].Quantity = 50
	assert.Equal(t, 1, c.Items[0].Quantity)
}

func TestMoneyBSON(t *testing.T) {
	type doc struct {
		Price Money `bson:"price"`
	}
	raw, err := bson.Marshal(doc{Price: MustMoney("12.34")})
	require.NoError(t, err)

	var out doc
	require.NoError(t, bson.Unmarshal(raw, &out))
	assert.True(t, out.Price.Equal(MustMoney("12.34").Decimal))

	// legacy documents stored prices as doubles
	raw, err = bson.Marshal(bson.M{"price": 5.5})
	require.NoError(t, err)
	require.NoError(t, bson.Unmarshal(raw, &out))
	assert.True(t, out.Price.Equal(MustMoney("5.5").Decimal))
}
