package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewComputesSubtotalAndDeadline(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	r := New("res-1", "tok-1", []LineItem{
		{ProductID: "p1", Qty: 2, UnitPriceCents: 1500},
		{ProductID: "p2", Qty: 1, UnitPriceCents: 250},
	}, now, 8*time.Minute)

	require.Equal(t, StatusActive, r.Status)
	assert.Equal(t, int64(3250), r.SubtotalCents)
	assert.Equal(t, now.Add(8*time.Minute), r.ExpiresAt)
}

func TestEffectiveStatusLazyExpiry(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	r := New("res-1", "tok-1", []LineItem{{ProductID: "p1", Qty: 1, UnitPriceCents: 100}}, now, 8*time.Minute)

	assert.Equal(t, StatusActive, r.EffectiveStatus(now))
	assert.Equal(t, StatusActive, r.EffectiveStatus(now.Add(8*time.Minute-time.Second)))
	// The deadline itself counts as expired.
	assert.Equal(t, StatusExpired, r.EffectiveStatus(now.Add(8*time.Minute)))
	assert.Equal(t, StatusExpired, r.EffectiveStatus(now.Add(time.Hour)))

	assert.True(t, r.HoldsStock(now))
	assert.False(t, r.HoldsStock(now.Add(time.Hour)))
}

func TestEffectiveStatusTerminalStatesIgnoreClock(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for _, st := range []Status{StatusConsumed, StatusCancelled, StatusExpired} {
		r := Reservation{Status: st, ExpiresAt: now.Add(-time.Hour)}
		assert.Equal(t, st, r.EffectiveStatus(now))
		assert.False(t, r.HoldsStock(now))
	}
}
