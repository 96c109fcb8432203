package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/chatswarm/internal/metrics"
)

// VUGauge reports live and requested concurrency. *runner.Scheduler satisfies it.
type VUGauge interface {
	Active() int
	Target() int
}

// ProgressReporter displays real-time progress updates.
type ProgressReporter struct {
	collector *metrics.Collector
	vus       VUGauge
	ticker    *time.Ticker
	done      chan struct{}
	finished  chan struct{}
	writer    io.Writer
	active    int32
	start     time.Time
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(collector *metrics.Collector, vus VUGauge, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		collector: collector,
		vus:       vus,
		ticker:    time.NewTicker(interval),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		writer:    writer,
		start:     time.Now(),
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates and ends the progress line.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
		fmt.Fprintln(p.writer)
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprint(p.writer, "\r"+p.line())
		case <-p.done:
			return
		}
	}
}

func (p *ProgressReporter) line() string {
	snap := p.collector.Snapshot()
	elapsed := time.Since(p.start).Round(time.Second)

	line := fmt.Sprintf("Elapsed: %s", elapsed)
	if p.vus != nil {
		line += fmt.Sprintf(" | VUs: %d/%d", p.vus.Active(), p.vus.Target())
	}
	line += fmt.Sprintf(" | Sessions: %.0f | Sent: %.0f | Received: %.0f | Errors: %.0f",
		snap.Counter(metrics.Sessions),
		snap.Counter(metrics.MessagesSent),
		snap.Counter(metrics.MessagesRecv),
		snap.Counter(metrics.Errors))
	if d, ok := snap.Distributions[metrics.ConnectTime]; ok && d.Count > 0 {
		line += fmt.Sprintf(" | Connect P95: %.1fms", d.P95)
	}
	return line
}
