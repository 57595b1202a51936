package kdbview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveConfig(t *testing.T) {
	paged := SystemConfig{Asynch: true, PageSize: 100, CacheSize: 3, Delay: time.Second}

	mapQ, err := Validate(RawOptions{"reduce": false})
	require.NoError(t, err)
	assert.Equal(t, paged, paged.Effective(mapQ))

	reduceQ, err := Validate(RawOptions{"group_level": 1})
	require.NoError(t, err)
	got := paged.Effective(reduceQ)
	assert.Zero(t, got.PageSize)
	assert.False(t, got.Asynch)
	assert.Equal(t, 3, got.CacheSize)

	keysQ, err := Validate(RawOptions{"reduce": false, "keys": []interface{}{"a"}})
	require.NoError(t, err)
	assert.Zero(t, paged.Effective(keysQ).PageSize)
	assert.True(t, paged.Effective(keysQ).Asynch)

	odd := SystemConfig{PageSize: -5, Delay: -time.Second}.Effective(mapQ)
	assert.Zero(t, odd.PageSize)
	assert.Zero(t, odd.Delay)
}

func TestConfigBudget(t *testing.T) {
	assert.Equal(t, -1, SystemConfig{}.budget())
	assert.Equal(t, -1, SystemConfig{CacheSize: -2}.budget())
	assert.Equal(t, 4, SystemConfig{CacheSize: 4}.budget())
}

func TestParseSystemConfig(t *testing.T) {
	c, err := ParseSystemConfig(map[string]string{
		"asynch":     "true",
		"cache-size": "5",
		"page-size":  " 100 ",
		"delay":      "0.25",
		"unknown":    "x",
	})
	require.NoError(t, err)
	assert.Equal(t, SystemConfig{Asynch: true, CacheSize: 5, PageSize: 100, Delay: 250 * time.Millisecond}, c)

	c, err = ParseSystemConfig(map[string]string{"cache-size": "unbounded", "delay": "2s"})
	require.NoError(t, err)
	assert.Zero(t, c.CacheSize)
	assert.Equal(t, 2*time.Second, c.Delay)

	c, err = ParseSystemConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSystemConfig(), c)

	for _, bad := range []map[string]string{
		{"asynch": "sometimes"},
		{"page-size": "many"},
		{"cache-size": "x"},
		{"delay": "soon"},
	} {
		_, err := ParseSystemConfig(bad)
		assert.Error(t, err, "%v", bad)
	}
}
