package main

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseItem(t *testing.T) {
	it, err := parseItem("339014:Diárias:1000.50")
	require.NoError(t, err)
	assert.Equal(t, "339014", it.Code)
	assert.Equal(t, "Diárias", it.Description)
	assert.True(t, it.Value.Equal(decimal.RequireFromString("1000.50")))

	it, err = parseItem("339030: 200")
	require.NoError(t, err)
	assert.Empty(t, it.Description)
	assert.True(t, it.Value.Equal(decimal.NewFromInt(200)))

	for _, bad := range []string{"339030", "a:b:c:d", "339030:x:abc"} {
		_, err := parseItem(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseItemsEmptyKeepsNil(t *testing.T) {
	items, err := parseItems(nil)
	require.NoError(t, err)
	assert.Nil(t, items)
}
