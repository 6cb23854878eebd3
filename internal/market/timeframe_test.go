package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 1H ")
	require.NoError(t, err)
	assert.Equal(t, "1h", tf.Key)
	assert.Equal(t, time.Hour, tf.Duration)

	_, err = ParseTimeframe("7m")
	assert.Error(t, err)

	keys := SupportedTimeframes()
	assert.Equal(t, "1m", keys[0])
	assert.Equal(t, "1w", keys[len(keys)-1])
}

func TestTimeframeAlignment(t *testing.T) {
	tf, _ := ParseTimeframe("15m")
	at := time.Date(2024, 3, 1, 10, 44, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), tf.AlignDown(at))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 45, 0, 0, time.UTC), tf.Next(at))

	open := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	assert.False(t, tf.Closed(open, at))
	assert.True(t, tf.Closed(open, open.Add(15*time.Minute)))

	assert.EqualValues(t, 4, tf.ExpectedCandles(open, open.Add(time.Hour-time.Second)))
	assert.EqualValues(t, 0, tf.ExpectedCandles(at, open))
}

func TestParseIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, ok := ParseIntervalDuration(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "m", "0m", "-1h", "3x"} {
		_, ok := ParseIntervalDuration(bad)
		assert.False(t, ok, bad)
	}
}
