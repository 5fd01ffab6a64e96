package money

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	require.Equal(t, "R$0.00", Format(0))
	require.Equal(t, "R$1,234.50", Format(1234.5))
	require.Equal(t, "R$1,000,000.00", Format(1e6))
	require.Equal(t, "R$12.35", Format(12.345))
	require.Equal(t, "-R$7.10", Format(-7.1))
}

func TestRounding(t *testing.T) {
	require.Equal(t, 2.68, Round2(2.675))
	require.Equal(t, 0.1235, Round4(0.12345))
	require.Equal(t, "12.50%", Percent(0.125))
}
