package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/goreflow/pkg/pid"
	"github.com/itohio/goreflow/pkg/runmode"
)

// DefaultBuffer is the number of events queued before new ones are dropped.
const DefaultBuffer = 16

// Event is everything the control task knows after one cycle.
type Event struct {
	Time      time.Time
	State     runmode.State
	Elapsed   uint32
	PV        [runmode.Zones]float32
	Targets   [runmode.Zones]float32
	Duties    [runmode.Zones]uint16
	Active    [runmode.Zones]bool
	Terms     [runmode.Zones]pid.Terms
	Started   bool // first cycle of a run
	Completed bool // auto run finished this cycle
	Stopped   bool // run ended this cycle
}

// Lines returns a line per zone that is under control.
func (e Event) Lines() map[runmode.Zone]Line {
	lines := make(map[runmode.Zone]Line, runmode.Zones)
	for z := runmode.Top; z < runmode.Zones; z++ {
		if e.Active[z] {
			lines[z] = FromTerms(e.Elapsed, e.Terms[z])
		}
	}
	return lines
}

// Sink consumes events. Publish is called from a single goroutine.
type Sink interface {
	Publish(ev Event) error
	Close() error
}

// Publisher decouples the control task from slow sinks: Publish never
// blocks, Run delivers to every sink.
type Publisher struct {
	events  chan Event
	sinks   []Sink
	log     *zap.SugaredLogger
	dropped atomic.Uint64
}

// NewPublisher creates a publisher with a bounded queue.
func NewPublisher(log *zap.SugaredLogger, buffer int, sinks ...Sink) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Publisher{
		events: make(chan Event, buffer),
		sinks:  sinks,
		log:    log,
	}
}

// Publish queues ev, dropping it if the queue is full.
func (p *Publisher) Publish(ev Event) bool {
	select {
	case p.events <- ev:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of events dropped so far.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Run delivers queued events until ctx is cancelled, then drains the queue
// and closes the sinks.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.close()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-p.events:
					p.deliver(ev)
				default:
					return nil
				}
			}
		case ev := <-p.events:
			p.deliver(ev)
		}
	}
}

func (p *Publisher) deliver(ev Event) {
	for _, s := range p.sinks {
		if err := s.Publish(ev); err != nil {
			p.log.Warnw("telemetry sink failed", "sink", sinkName(s), "err", err)
		}
	}
}

func (p *Publisher) close() {
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			p.log.Warnw("closing telemetry sink", "sink", sinkName(s), "err", err)
		}
	}
}

type named interface {
	Name() string
}

func sinkName(s Sink) string {
	if n, ok := s.(named); ok {
		return n.Name()
	}
	return "sink"
}
