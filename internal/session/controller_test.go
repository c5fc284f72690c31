package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor(t *testing.T) *Descriptor {
	t.Helper()

	desc, err := ParseDescriptor("https://takeout.example.com/download/takeout-20251204T101148Z-3-001.zip?j=6b2e9f")
	require.NoError(t, err)

	return desc
}

func TestControllerSupplyInheritsDescriptor(t *testing.T) {
	desc := testDescriptor(t)
	ctrl := NewController(&Credential{CookieHeader: "old", Descriptor: desc, IssuedAt: time.Now()}, 0)

	ctrl.Supply(&Credential{CookieHeader: "fresh"})

	cur := ctrl.Current()
	assert.Equal(t, "fresh", cur.CookieHeader)
	assert.Same(t, desc, cur.Descriptor)
	assert.False(t, cur.IssuedAt.IsZero())
}

func TestControllerSupplyReplacesDescriptor(t *testing.T) {
	oldDesc := testDescriptor(t)
	ctrl := NewController(&Credential{CookieHeader: "old", Descriptor: oldDesc}, 0)

	newDesc, err := ParseDescriptor("https://takeout.example.com/download/takeout-20260101T000000Z-1-001.zip?j=aa11")
	require.NoError(t, err)

	ctrl.Supply(&Credential{CookieHeader: "fresh", Descriptor: newDesc})

	assert.Same(t, newDesc, ctrl.Current().Descriptor)
}

func TestWaitForRefreshAlreadyRotated(t *testing.T) {
	stale := &Credential{CookieHeader: "old"}
	ctrl := NewController(stale, 0)

	ctrl.Supply(&Credential{CookieHeader: "fresh"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cred, err := ctrl.WaitForRefresh(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.CookieHeader)
}

func TestWaitForRefreshWakesOnSupply(t *testing.T) {
	stale := &Credential{CookieHeader: "old"}
	ctrl := NewController(stale, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		cred *Credential
		err  error
	}

	done := make(chan result, 1)

	go func() {
		cred, err := ctrl.WaitForRefresh(ctx, stale)
		done <- result{cred, err}
	}()

	// Give the waiter a moment to block, then rotate.
	time.Sleep(10 * time.Millisecond)
	ctrl.Supply(&Credential{CookieHeader: "fresh"})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "fresh", res.cred.CookieHeader)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Supply")
	}
}

func TestWaitForRefreshCancellation(t *testing.T) {
	stale := &Credential{CookieHeader: "old"}
	ctrl := NewController(stale, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ctrl.WaitForRefresh(ctx, stale)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestControllerExpiring(t *testing.T) {
	tests := []struct {
		name      string
		warnAfter time.Duration
		issuedAt  time.Time
		expiring  bool
	}{
		{
			name:      "disabled when threshold is zero",
			warnAfter: 0,
			issuedAt:  time.Now().Add(-24 * time.Hour),
			expiring:  false,
		},
		{
			name:      "fresh credential",
			warnAfter: time.Hour,
			issuedAt:  time.Now(),
			expiring:  false,
		},
		{
			name:      "aged past the threshold",
			warnAfter: time.Hour,
			issuedAt:  time.Now().Add(-2 * time.Hour),
			expiring:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := NewController(&Credential{CookieHeader: "c", IssuedAt: tt.issuedAt}, tt.warnAfter)
			assert.Equal(t, tt.expiring, ctrl.Expiring())
		})
	}
}
