package lobby

import (
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/royale-project/royale/internal/chart"
	"github.com/royale-project/royale/internal/protocol"
)

// --- Clock ---

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock runs callbacks on the calling goroutine when advanced.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.pending = append(c.pending, t)
	return t
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves time forward, firing due callbacks in deadline order,
// including callbacks scheduled by callbacks.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		live := c.pending[:0]
		for _, t := range c.pending {
			if !t.stopped && !t.fired {
				live = append(live, t)
			}
		}
		c.pending = live
		sort.SliceStable(c.pending, func(i, j int) bool {
			if c.pending[i].at.Equal(c.pending[j].at) {
				return c.pending[i].seq < c.pending[j].seq
			}
			return c.pending[i].at.Before(c.pending[j].at)
		})
		if len(c.pending) == 0 || c.pending[0].at.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		next := c.pending[0]
		next.fired = true
		c.pending = c.pending[1:]
		c.now = next.at
		c.mu.Unlock()

		next.f()
	}
}

// Flush fires every callback that is already due.
func (c *fakeClock) Flush() { c.Advance(0) }

// --- Peer ---

type fakePeer struct {
	mu     sync.Mutex
	id     uint64
	msgs   []protocol.Message
	closed bool
	assets *Assets
}

func (p *fakePeer) ID() uint64 { return p.id }

func (p *fakePeer) Send(m protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := m.(*protocol.KeepAlive); ok {
		return
	}
	p.msgs = append(p.msgs, m)
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) SetAssets(a *Assets) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assets = a
}

// take returns and clears the recorded messages.
func (p *fakePeer) take() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.msgs
	p.msgs = nil
	return out
}

func ofType[T protocol.Message](msgs []protocol.Message) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func chatLines(msgs []protocol.Message) []string {
	var out []string
	for _, m := range ofType[*protocol.ServerChatMessage](msgs) {
		out = append(out, m.Message)
	}
	return out
}

// --- CatalogueSource ---

type MockCatalogueSource struct {
	mock.Mock
}

func (m *MockCatalogueSource) Load() (*chart.Catalogue, chart.LoadStats, error) {
	args := m.Called()
	cat, _ := args.Get(0).(*chart.Catalogue)
	return cat, args.Get(1).(chart.LoadStats), args.Error(2)
}

// --- AssetLoader ---

type MockAssetLoader struct {
	mock.Mock
}

func (m *MockAssetLoader) Load(e *chart.Entry) (*chart.Track, error) {
	args := m.Called(e)
	tr, _ := args.Get(0).(*chart.Track)
	return tr, args.Error(1)
}
