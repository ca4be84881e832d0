package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry() (*SessionRegistry, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewSessionRegistry(DefaultCancelGrace)
	r.now = clock.now
	return r, clock
}

func TestSessionRegistry_CancelStopsInFlight(t *testing.T) {
	r, clock := newTestRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	started, release := r.Track("s", cancel)
	_, releaseOther := r.Track("other", func() { t.Fatal("other session must not be cancelled") })
	defer releaseOther()
	assert.Equal(t, 1, r.InFlight("s"))

	clock.advance(time.Millisecond)
	assert.Equal(t, 1, r.Cancel("s"))
	assert.Error(t, ctx.Err())
	assert.True(t, r.Suppressed("s", started))

	release()
	assert.Zero(t, r.InFlight("s"))
}

func TestSessionRegistry_GraceWindow(t *testing.T) {
	r, clock := newTestRegistry()
	started, release := r.Track("s", nil)
	defer release()

	clock.advance(time.Second)
	r.Cancel("s")

	clock.advance(DefaultCancelGrace)
	assert.True(t, r.Suppressed("s", started), "still inside the grace window")

	clock.advance(time.Millisecond)
	assert.False(t, r.Suppressed("s", started), "grace window elapsed")
}

func TestSessionRegistry_LaterDispatchUnaffected(t *testing.T) {
	r, clock := newTestRegistry()
	r.Cancel("s")

	clock.advance(10 * time.Millisecond)
	started, release := r.Track("s", nil)
	defer release()
	assert.False(t, r.Suppressed("s", started))
	assert.False(t, r.Suppressed("never-cancelled", started))
}
