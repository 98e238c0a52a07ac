package geotime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/testpulse/errors"
)

func TestNormalizeTimezone(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Europe/Amsterdam", "Europe/Amsterdam"},
		{"europe/berlin", "Europe/Berlin"},
		{"PST", "America/Los_Angeles"},
		{"utc", "UTC"},
		{"UTC", "UTC"},
		{"America/Port_of_Spain", "America/Port_of_Spain"},
		{"Europe/Isle_of_Man", "Europe/Isle_of_Man"},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			actual, err := NormalizeTimezone(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestNormalizeTimezoneRejectsUnknown(t *testing.T) {
	_, err := NormalizeTimezone("Mars/Olympus_Mons")
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	_, err = NormalizeTimezone("  ")
	assert.True(t, errors.IsValidationError(err))
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("europe/amsterdam")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Amsterdam", loc.String())
}
