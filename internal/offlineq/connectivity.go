package offlineq

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Monitor tracks connectivity state. The online flag is readable synchronously;
// subscribers are signalled on every offline-to-online transition.
type Monitor struct {
	mu      sync.Mutex
	online  bool
	nextSub int
	subs    map[int]chan struct{}
}

func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   map[int]chan struct{}{},
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the flag. A transition from offline to online signals every
// subscriber; signals coalesce when a subscriber is slow to drain.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasOnline := m.online
	m.online = online
	if online && !wasOnline {
		for _, sub := range m.subs {
			select {
			case sub <- struct{}{}:
			default:
			}
		}
	}
}

// Subscribe returns a channel that receives on online transitions, and a
// cancel function that releases the subscription.
func (m *Monitor) Subscribe() (<-chan struct{}, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan struct{}, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Prober flips the monitor by periodically probing a health URL. Any response
// counts as reachable; only transport-level failures mark the link down.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client
	logger   Logger
}

func NewProber(monitor *Monitor, probeURL string, interval time.Duration, client *http.Client, logger Logger) *Prober {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Prober{
		monitor:  monitor,
		url:      probeURL,
		interval: interval,
		client:   client,
		logger:   logger,
	}
}

func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if p.monitor.Online() && p.logger != nil {
			p.logger.Printf("connectivity probe failed: %v", err)
		}
		p.monitor.SetOnline(false)
		return
	}
	_ = resp.Body.Close()
	p.monitor.SetOnline(true)
}
