package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/testpulse/errors"
	"github.com/teranos/testpulse/graph"
	"github.com/teranos/testpulse/results"
)

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"3", "1,2", " 5 "})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2, 5}, ids)

	for _, bad := range [][]string{nil, {","}, {"0"}, {"-4"}, {"abc"}} {
		_, err := parseIDs(bad)
		assert.True(t, errors.IsValidationError(err), "%v", bad)
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"browser=firefox", "retries=3", "headless=true", "url=http://x?a=b"})
	require.NoError(t, err)
	assert.Equal(t, "firefox", params["browser"])
	assert.Equal(t, float64(3), params["retries"])
	assert.Equal(t, true, params["headless"])
	assert.Equal(t, "http://x?a=b", params["url"])

	_, err = parseParams([]string{"novalue"})
	assert.True(t, errors.IsValidationError(err))

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestParseCondition(t *testing.T) {
	c, err := parseCondition("Pass", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, graph.ResultIs(results.Pass), c)

	c, err = parseCondition("", "", 0.7, 5)
	require.NoError(t, err)
	assert.Equal(t, graph.PassRateAtLeast(0.7, 5), c)

	c, err = parseCondition("", "", 0, 0)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = parseCondition("Pass", "completed", 0, 0)
	assert.True(t, errors.IsValidationError(err))

	_, err = parseCondition("", "", 0, 5)
	assert.True(t, errors.IsValidationError(err))
}

func TestTypedValue(t *testing.T) {
	assert.Equal(t, int64(8), typedValue("8"))
	assert.Equal(t, 0.5, typedValue("0.5"))
	assert.Equal(t, true, typedValue("true"))
	assert.Equal(t, "Europe/Berlin", typedValue("Europe/Berlin"))
}
