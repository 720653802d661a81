package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplay(t *testing.T) {
	t.Run("should render whole and fractional amounts", func(t *testing.T) {
		assert.Equal(t, "10.50", Display(1050))
		assert.Equal(t, "0.01", Display(1))
		assert.Equal(t, "0.00", Display(0))
		assert.Equal(t, "1000.00", Display(100000))
	})
}

func TestParseDisplay(t *testing.T) {
	t.Run("should round-trip display amounts", func(t *testing.T) {
		minor, err := ParseDisplay("10.50")
		require.NoError(t, err)
		assert.Equal(t, int64(1050), minor)

		minor, err = ParseDisplay("2")
		require.NoError(t, err)
		assert.Equal(t, int64(200), minor)
	})

	t.Run("should reject sub-cent precision", func(t *testing.T) {
		_, err := ParseDisplay("10.505")
		assert.Error(t, err)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		_, err := ParseDisplay("ten dollars")
		assert.Error(t, err)
	})
}
