// Package encodepool implements lock-free parallel candidate-encode
// dispatch: a persistent pool of worker goroutines that run N candidate
// encodes per insert with no host-runtime calls, dispatched by atomic
// fetch-add rather than a work queue.
package encodepool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/block/deltatable/pkg/codec"
	"github.com/block/deltatable/pkg/config"
)

// Task is one candidate encode: tag is the distance-back to base, or 0 for
// a keyframe encode against an empty base.
//
// pad keeps each Task element two cache lines wide so workers reading
// adjacent tasks don't false-share a line with the leader's writes.
type Task struct {
	Tag     int
	Base    []byte
	New     []byte
	Entropy config.EntropyCodec
	pad     [64]byte
}

// Result is one candidate's outcome.
//
// pad keeps each Result one cache line wide, since workers write their own
// slot concurrently with others and with the leader's completion poll.
type Result struct {
	Blob codec.DeltaBlob
	Err  error
	pad  [24]byte
}

// Pool is a persistent pool of M worker goroutines. M == 0 means "run every
// batch inline, sequentially" — the pool spawns no goroutines at all.
type Pool struct {
	workerCount int

	mu       sync.Mutex
	cond     *sync.Cond
	batchSeq int64
	shutdown bool

	tasks     []Task
	results   []Result
	numTasks  int64
	nextTask  int64
	completed int64

	wg sync.WaitGroup

	dispatched atomic.Uint64
	inline     atomic.Uint64
}

// New builds a Pool with workerCount persistent workers (clamped to
// [0, 64]). workerCount == 0 yields a pool that always runs inline.
func New(workerCount int) *Pool {
	if workerCount < 0 {
		workerCount = 0
	}
	if workerCount > 64 {
		workerCount = 64
	}
	p := &Pool{workerCount: workerCount}
	p.cond = sync.NewCond(&p.mu)
	if workerCount > 0 {
		p.wg.Add(workerCount)
		for i := 0; i < workerCount; i++ {
			go p.workerLoop()
		}
	}
	return p
}

// Execute runs every task in batch and returns one Result per task in the
// same order. With a zero-worker pool, or a single-task batch, it runs
// inline without touching any synchronization.
func (p *Pool) Execute(batch []Task) []Result {
	if p.workerCount == 0 || len(batch) <= 1 {
		p.inline.Add(1)
		out := make([]Result, len(batch))
		for i, t := range batch {
			out[i] = runTask(t)
		}
		return out
	}

	p.mu.Lock()
	p.tasks = batch
	p.results = make([]Result, len(batch))
	p.numTasks = int64(len(batch))
	atomic.StoreInt64(&p.nextTask, 0)
	atomic.StoreInt64(&p.completed, 0)
	p.batchSeq++
	p.cond.Broadcast()
	p.mu.Unlock()

	p.dispatched.Add(1)

	// The leader participates as one of the workers in the same dispatch
	// loop, then spin-waits (with a scheduling yield as backoff) for the
	// rest to finish.
	p.drainTasks()
	for atomic.LoadInt64(&p.completed) < p.numTasks {
		runtime.Gosched()
	}

	out := make([]Result, len(p.results))
	copy(out, p.results)
	return out
}

// workerLoop is the persistent per-worker body: it never calls any
// host-runtime API and only ever invokes the codec.
func (p *Pool) workerLoop() {
	defer p.wg.Done()
	var localSeq int64
	p.mu.Lock()
	for {
		for p.batchSeq == localSeq && !p.shutdown {
			p.cond.Wait()
		}
		if p.shutdown {
			p.mu.Unlock()
			return
		}
		localSeq = p.batchSeq
		p.mu.Unlock()

		p.drainTasks()

		p.mu.Lock()
	}
}

// drainTasks repeatedly claims the next unclaimed task index via atomic
// fetch-add until the batch is exhausted; this is the lock-free dispatch
// step, shared by the leader and every worker goroutine.
func (p *Pool) drainTasks() {
	for {
		idx := atomic.AddInt64(&p.nextTask, 1) - 1
		if idx >= p.numTasks {
			return
		}
		p.results[idx] = runTask(p.tasks[idx])
		atomic.AddInt64(&p.completed, 1)
	}
}

func runTask(t Task) Result {
	blob, err := codec.Encode(t.Tag, t.Base, t.New, t.Entropy)
	return Result{Blob: blob, Err: err}
}

// Stats returns how many batches were dispatched to the worker pool versus
// run inline (zero workers, or single-task batches).
func (p *Pool) Stats() (dispatched, inline uint64) {
	return p.dispatched.Load(), p.inline.Load()
}

// Close shuts the pool down: it sets the shutdown flag, broadcasts once,
// and joins every worker goroutine. Safe to call once; a Pool built with
// zero workers has nothing to join.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
