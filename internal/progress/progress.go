// Package progress prints a live status line while a scenario runs.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"brokerstorm/internal/collector"
	"brokerstorm/internal/core"
)

const (
	defaultInterval = time.Second
	clearLine       = "\033[K"
)

// Progress redraws one status line per interval from aggregator snapshots.
// Rates are computed over the last interval, not the whole run.
type Progress struct {
	agg      *collector.Aggregator
	active   func() int
	clock    core.Clock
	interval time.Duration
	quiet    bool

	mu     sync.Mutex
	output io.Writer

	start    time.Time
	last     collector.Counts
	lastTick time.Time

	once   sync.Once
	stopCh chan struct{}
	done   chan struct{}
}

// NewProgress reports the totals of agg. active, when not nil, returns the
// number of sessions still running.
func NewProgress(agg *collector.Aggregator, active func() int, quiet bool) *Progress {
	return &Progress{
		agg:      agg,
		active:   active,
		clock:    core.RealClock{},
		interval: defaultInterval,
		quiet:    quiet,
		output:   os.Stderr,
	}
}

func (p *Progress) SetOutput(w io.Writer) {
	p.mu.Lock()
	p.output = w
	p.mu.Unlock()
}

// SetInterval changes how often the line is refreshed. Call before Start.
func (p *Progress) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// SetClock replaces the clock used for elapsed time and rates. Call before Start.
func (p *Progress) SetClock(c core.Clock) {
	p.clock = c
}

func (p *Progress) Start() {
	if p.quiet || p.stopCh != nil {
		return
	}
	p.start = p.clock.Now()
	p.lastTick = p.start
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop()
}

func (p *Progress) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

// tick draws one status line. It is only called from the loop goroutine or
// from tests that never Start.
func (p *Progress) tick() {
	now := p.clock.Now()
	c := p.agg.Snapshot()
	active := 0
	if p.active != nil {
		active = p.active()
	}
	status := render(c, p.last, now.Sub(p.start), now.Sub(p.lastTick), active)
	p.last, p.lastTick = c, now

	p.mu.Lock()
	fmt.Fprint(p.output, clearLine+status+"\r")
	p.mu.Unlock()
}

func render(c, prev collector.Counts, elapsed, window time.Duration, active int) string {
	var sendRate, recvRate float64
	if s := window.Seconds(); s > 0 {
		sendRate = float64(c.Sent-prev.Sent) / s
		recvRate = float64(c.Received-prev.Received) / s
	}
	elapsed = elapsed.Round(time.Second)
	return fmt.Sprintf("[%02d:%02d] Sent: %d (%.0f/s) | Received: %d (%.0f/s) | In flight: %d | Active sessions: %d",
		int(elapsed.Minutes()), int(elapsed.Seconds())%60,
		c.Sent, sendRate, c.Received, recvRate, c.Sent-c.Received, active)
}

// Stop ends the status line and waits for the redraw goroutine. It is safe to
// call more than once and without Start.
func (p *Progress) Stop() {
	if p.quiet || p.stopCh == nil {
		return
	}
	p.once.Do(func() {
		close(p.stopCh)
		<-p.done
		p.mu.Lock()
		fmt.Fprint(p.output, clearLine)
		p.mu.Unlock()
	})
}

// Printf prints a full line above the status line.
func (p *Progress) Printf(format string, args ...interface{}) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, clearLine+format+"\n", args...)
	p.mu.Unlock()
}
