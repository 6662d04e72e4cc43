package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"100+23", 123},
		{"2 * 3 + 4", 10},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"-5 + 3", -2},
		{"3.5 * 2", 7},
	}
	for _, tc := range cases {
		got, err := evaluate(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateErrors(t *testing.T) {
	for _, expr := range []string{"", "1/0", "2 +", "(1", "abc"} {
		_, err := evaluate(expr)
		assert.Error(t, err, expr)
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "123,00", formatNumber(123, "de-DE"))
	assert.Equal(t, "123.00", formatNumber(123, "en-US"))
	assert.Equal(t, "2,50", formatNumber(2.5, ""))
}
