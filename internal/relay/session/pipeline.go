package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sebas/streamrelay/internal/relay/media"
	"github.com/sebas/streamrelay/internal/relay/reorder"
	"github.com/sebas/streamrelay/internal/relay/spsc"
)

// drainPoll is how long the output loop sleeps when the handoff queue
// is empty. Short enough to stay under a frame interval, long enough
// not to spin.
const drainPoll = time.Millisecond

// Pipeline moves one stream's frames from the receive context to a
// sink: reorder buffer -> handoff queue -> output goroutine. Push and
// Sweep run on the network/timer side; the output goroutine is the
// queue's only consumer.
type Pipeline struct {
	name  string
	buf   *reorder.Buffer[*media.Frame]
	queue *spsc.Queue[*media.Frame]
	sink  media.Sink

	// queueDrops counts frames lost because the handoff queue was full
	// when the release callback fired. The callback must not block, so
	// dropping is the only option.
	queueDrops atomic.Uint64
	sinkErrors atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// PipelineStats combines reorder and handoff counters for one stream.
type PipelineStats struct {
	Reorder    reorder.Stats
	Queued     uint32
	QueueDrops uint64
	SinkErrors uint64
}

// NewPipeline builds and starts a pipeline. The output goroutine runs
// until Close.
func NewPipeline(name string, cfg reorder.Config, queueCapacity uint32, sink media.Sink) (*Pipeline, error) {
	queue, err := spsc.New[*media.Frame](queueCapacity)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		name:  name,
		queue: queue,
		sink:  sink,
		done:  make(chan struct{}),
	}

	buf, err := reorder.New[*media.Frame](cfg, media.FrameSeq, p.release, nil)
	if err != nil {
		return nil, err
	}
	p.buf = buf

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)

	return p, nil
}

// release runs inside the reorder buffer's critical section: a single
// non-blocking enqueue, nothing else.
func (p *Pipeline) release(f *media.Frame) {
	if !p.queue.TryEnqueue(f) {
		p.queueDrops.Add(1)
	}
}

// Push hands one decoded frame to the reorder buffer. Network-receive
// context only.
func (p *Pipeline) Push(f *media.Frame) {
	p.buf.Push(f)
}

// Sweep runs one bounded timeout sweep, forcing out slots that have
// waited too long. Called from the flush ticker.
func (p *Pipeline) Sweep() {
	p.buf.Flush(false)
}

// run is the pacing/output side: drain the queue at its own cadence
// and forward to the sink.
func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	for {
		f, ok := p.queue.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(drainPoll):
			}
			continue
		}
		if err := p.sink.Send(f.Payload, f.Timestamp); err != nil {
			p.sinkErrors.Add(1)
		}
	}
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Reorder:    p.buf.GetStats(),
		Queued:     p.queue.Len(),
		QueueDrops: p.queueDrops.Load(),
		SinkErrors: p.sinkErrors.Load(),
	}
}

// Reset prepares the pipeline for a fresh stream after the sender
// restarts encoding. The caller must have paused pushes.
func (p *Pipeline) Reset() {
	p.buf.Reset()
	p.queueDrops.Store(0)
	p.sinkErrors.Store(0)
}

// Close drains what can still be shipped and stops the output
// goroutine. The caller must have stopped pushing first.
func (p *Pipeline) Close() {
	// Final drain: everything still buffered goes to the queue, and
	// the output goroutine gets a bounded grace period to ship it.
	p.buf.Flush(true)

	deadline := time.Now().Add(250 * time.Millisecond)
	for !p.queue.IsEmpty() && time.Now().Before(deadline) {
		time.Sleep(drainPoll)
	}

	p.cancel()
	<-p.done
	p.queue.Clear()

	stats := p.buf.GetStats()
	slog.Debug("[Pipeline] Closed", "stream", p.name,
		"processed", stats.Processed,
		"dropped", stats.Dropped,
		"timeout_dropped", stats.TimeoutDropped,
		"queue_drops", p.queueDrops.Load())
}
