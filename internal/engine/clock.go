// Package engine drives the marketplace forward: the Clock emits ticks at a
// fixed real-time interval and the Orchestrator fans each tick out to the
// demand, evaluation, renewal, revenue and health branches.
package engine

import (
	"log/slog"
	"sync"
	"time"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/shopspring/decimal"

	"github.com/talgya/npc-market/internal/fault"
)

// MinInterval is the shortest tick interval the clock accepts.
const MinInterval = time.Second

// sentimentFrequency stretches the noise so sentiment drifts over hundreds
// of ticks rather than jumping every tick.
const sentimentFrequency = 0.013

// Snapshot is the aggregate market state carried by a tick.
type Snapshot struct {
	ActiveContracts      int             `json:"active_contracts"`
	ActiveNPCs           int             `json:"active_npcs"`
	PendingRequests      int             `json:"pending_requests"`
	SettledRevenue       decimal.Decimal `json:"settled_revenue"`
	AccumulatedPenalties decimal.Decimal `json:"accumulated_penalties"`
	MarketSentiment      float64         `json:"market_sentiment"`
}

// Tick is one clock firing. It is immutable once dispatched.
type Tick struct {
	Number    uint64    `json:"number"`
	Timestamp time.Time `json:"timestamp"`
	Snapshot  Snapshot  `json:"snapshot"`
}

// SnapshotFunc supplies the aggregate counters for a new tick.
type SnapshotFunc func() Snapshot

// Clock emits ticks while running. Subscribers are each called in their own
// goroutine and the ticker does not wait for them, so slow handlers can
// overlap with later ticks. Stop does wait: it returns only once every
// dispatched handler has returned.
type Clock struct {
	mu       sync.Mutex
	tick     uint64
	interval time.Duration
	running  bool
	stop     chan struct{}
	done     chan struct{}
	subs     []func(Tick)

	// pending counts dispatched handlers that have not returned; idle is
	// signalled on c.mu when it drops to zero.
	pending int
	idle    *sync.Cond

	snapshot SnapshotFunc
	noise    opensimplex.Noise
	now      func() time.Time
}

// NewClock creates a stopped clock. snapshot may be nil.
func NewClock(snapshot SnapshotFunc, seed int64) *Clock {
	c := &Clock{
		interval: MinInterval,
		snapshot: snapshot,
		noise:    opensimplex.NewNormalized(seed),
		now:      time.Now,
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Subscribe registers fn to receive every subsequent tick.
func (c *Clock) Subscribe(fn func(Tick)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Resume sets the tick counter, so numbering continues across restarts.
func (c *Clock) Resume(tick uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick = tick
}

// Start begins ticking every interval. Starting a running clock is a no-op.
func (c *Clock) Start(interval time.Duration) error {
	if interval < MinInterval {
		return fault.Validation("tick interval %s is below the %s minimum", interval, MinInterval)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		slog.Info("clock already running", "tick", c.tick, "interval", c.interval)
		return nil
	}
	c.interval = interval
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(interval, c.stop, c.done)
	slog.Info("clock started", "tick", c.tick, "interval", interval)
	return nil
}

// Stop halts ticking, waits for the loop to exit and then for every
// dispatched handler to return, stepped ticks included. Stopping a stopped
// clock only waits.
func (c *Clock) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.drain()
		return
	}
	c.running = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	<-done
	c.drain()
	slog.Info("clock stopped", "tick", c.TickNumber())
}

func (c *Clock) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending > 0 {
		c.idle.Wait()
	}
}

func (c *Clock) dispatch(fn func(Tick), t Tick) {
	defer func() {
		c.mu.Lock()
		c.pending--
		if c.pending == 0 {
			c.idle.Broadcast()
		}
		c.mu.Unlock()
	}()
	fn(t)
}

// TickNumber returns the number of the most recent tick.
func (c *Clock) TickNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// Running reports whether the clock is ticking.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Interval returns the current (or last used) tick interval.
func (c *Clock) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Step fires one tick immediately, whether or not the clock is running.
func (c *Clock) Step() Tick {
	return c.fire()
}

func (c *Clock) loop(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.fire()
		}
	}
}

func (c *Clock) fire() Tick {
	c.mu.Lock()
	c.tick++
	n := c.tick
	subs := append([]func(Tick){}, c.subs...)
	c.pending += len(subs)
	c.mu.Unlock()

	var snap Snapshot
	if c.snapshot != nil {
		snap = c.snapshot()
	}
	snap.MarketSentiment = c.Sentiment(n)

	t := Tick{Number: n, Timestamp: c.now().UTC(), Snapshot: snap}
	for _, fn := range subs {
		go c.dispatch(fn, t)
	}
	return t
}

// Sentiment is the market mood (0-1) at tick n: smooth noise that moves
// slowly from tick to tick.
func (c *Clock) Sentiment(n uint64) float64 {
	return c.noise.Eval2(float64(n)*sentimentFrequency, 0)
}
