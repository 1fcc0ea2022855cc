package feedsim

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"refinery/internal/normalizer"
)

func TestWalk_StaysBoundedAndPositive(t *testing.T) {
	s := New(Config{}, nil, zerolog.Nop())

	price := 100.0
	for i := 0; i < 10000; i++ {
		next := s.walk(price)
		require.GreaterOrEqual(t, next, 0.01)
		step := math.Abs(next-price) / price
		require.LessOrEqual(t, step, 0.001+1e-12, "step %d moved %.6f%%", i, step*100)
		price = next
	}

	// The floor holds even from a collapsed price.
	require.GreaterOrEqual(t, s.walk(0.001), 0.01)
}

func TestPayload_ParsesThroughSimFeedParser(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, int(500*time.Millisecond), time.UTC)
	frame, err := json.Marshal(payload{
		Tenant:     "t1",
		Instrument: "NG",
		TSMillis:   now.UnixMilli(),
		Price:      42.5,
		Volume:     7,
		Source:     Venue,
	})
	require.NoError(t, err)

	var parser normalizer.SimFeedParser
	tick, err := parser.Parse(frame)
	require.NoError(t, err)
	require.Equal(t, "t1", tick.TenantID)
	require.Equal(t, "NG", tick.InstrumentID)
	require.Equal(t, 42.5, tick.Price)
	require.Equal(t, 7.0, tick.Volume)
	require.Equal(t, Venue, tick.SourceID)
	require.True(t, tick.EventTime.Equal(now))
}
