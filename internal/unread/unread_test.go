package unread

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAggregatesAcrossConversations(t *testing.T) {
	c := NewCounter()
	c.Set("a", 2)
	c.Set("b", 3)

	assert.Equal(t, 5, c.Total())
	assert.Equal(t, 2, c.Conversation("a"))
	assert.Equal(t, 3, c.Conversation("b"))
}

func TestSetOverwritesNotAdds(t *testing.T) {
	c := NewCounter()
	c.Set("a", 2)
	c.Set("a", 7)

	assert.Equal(t, 7, c.Total())
}

func TestZeroRemovesConversation(t *testing.T) {
	c := NewCounter()
	c.Set("a", 2)
	c.Set("b", 1)
	c.Zero("a")

	assert.Equal(t, 1, c.Total())
	assert.Equal(t, 0, c.Conversation("a"))

	last, ok := c.Stream().Last()
	assert.True(t, ok)
	assert.NotContains(t, last.PerConversation, "a")
}

func TestNegativeTreatedAsZero(t *testing.T) {
	c := NewCounter()
	c.Set("a", -3)

	assert.Equal(t, 0, c.Total())
	assert.Equal(t, 0, c.Conversation("a"))
}

func TestStreamPublishesTotals(t *testing.T) {
	c := NewCounter()
	var got []Totals
	c.Stream().Subscribe(func(t Totals) { got = append(got, t) })

	c.Set("a", 1)
	c.Set("b", 2)
	c.Zero("a")

	assert.Len(t, got, 3)
	assert.Equal(t, 3, got[1].Total)
	assert.Equal(t, 2, got[2].Total)
	assert.Equal(t, map[string]int{"b": 2}, got[2].PerConversation)
}
