package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// workerPool serves contexts on a bounded, reusable pool of goroutines, so
// that a burst of packets does not spawn one goroutine per packet. It is
// adapted from the ready-channel-cache worker pool pattern used by
// fasthttp's server, substituting *context for *fasthttp.RequestCtx.
type workerPool struct {
	// WorkerFunc is called once per served context, on its own goroutine.
	WorkerFunc func(ctx *context) error

	// MaxWorkersCount bounds the number of concurrently running workers.
	MaxWorkersCount int

	// MaxIdleWorkerDuration is how long an idle worker goroutine waits for
	// its next context before exiting. Defaults to 10 seconds.
	MaxIdleWorkerDuration time.Duration

	Logger *zap.Logger

	lock         sync.Mutex
	started      bool
	mustStop     bool
	workersCount int

	ready []*workerChan

	stopCh chan struct{}

	workerChanPool sync.Pool
}

type workerChan struct {
	lastUseTime time.Time
	ch          chan *context
}

func (wp *workerPool) Start() {
	wp.lock.Lock()
	defer wp.lock.Unlock()
	if wp.started {
		return
	}
	wp.started = true
	wp.stopCh = make(chan struct{})
	stopCh := wp.stopCh
	go func() {
		var scratch []*workerChan
		for {
			wp.clean(&scratch)
			select {
			case <-stopCh:
				return
			default:
				time.Sleep(wp.getMaxIdleWorkerDuration())
			}
		}
	}()
}

func (wp *workerPool) Stop() {
	wp.lock.Lock()
	if !wp.started {
		wp.lock.Unlock()
		return
	}
	wp.started = false
	close(wp.stopCh)
	wp.stopCh = nil
	wp.mustStop = true
	ready := wp.ready
	for i := range ready {
		ready[i].ch <- nil
		ready[i] = nil
	}
	wp.ready = ready[:0]
	wp.lock.Unlock()
}

func (wp *workerPool) getMaxIdleWorkerDuration() time.Duration {
	if wp.MaxIdleWorkerDuration <= 0 {
		return 10 * time.Second
	}
	return wp.MaxIdleWorkerDuration
}

func (wp *workerPool) clean(scratch *[]*workerChan) {
	maxIdleWorkerDuration := wp.getMaxIdleWorkerDuration()
	criticalTime := time.Now().Add(-maxIdleWorkerDuration)

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready)

	l, r, mid := 0, n-1, 0
	for l <= r {
		mid = (l + r) / 2
		if criticalTime.After(ready[mid].lastUseTime) {
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	i := r
	if i == -1 {
		wp.lock.Unlock()
		return
	}

	*scratch = append((*scratch)[:0], ready[:i+1]...)
	m := copy(ready, ready[i+1:])
	wp.ready = ready[:m]
	wp.lock.Unlock()

	tmp := *scratch
	for i := range tmp {
		tmp[i].ch <- nil
		tmp[i] = nil
	}
}

// Serve schedules ctx on a worker goroutine and returns true, or returns
// false if no worker is available and MaxWorkersCount would be exceeded.
func (wp *workerPool) Serve(ctx *context) bool {
	ch := wp.getCh()
	if ch == nil {
		return false
	}
	ch.ch <- ctx
	return true
}

func (wp *workerPool) getCh() *workerChan {
	var ch *workerChan
	createWorker := false

	wp.lock.Lock()
	ready := wp.ready
	n := len(ready) - 1
	if n < 0 {
		if wp.workersCount < wp.MaxWorkersCount {
			createWorker = true
			wp.workersCount++
		}
	} else {
		ch = ready[n]
		ready[n] = nil
		wp.ready = ready[:n]
	}
	wp.lock.Unlock()

	if ch == nil {
		if !createWorker {
			return nil
		}
		vch := wp.workerChanPool.Get()
		if vch == nil {
			vch = &workerChan{ch: make(chan *context, 1)}
		}
		ch = vch.(*workerChan)
		go func() {
			wp.workerFunc(ch)
			wp.workerChanPool.Put(vch)
		}()
	}
	return ch
}

func (wp *workerPool) release(ch *workerChan) bool {
	ch.lastUseTime = time.Now()
	wp.lock.Lock()
	if wp.mustStop {
		wp.lock.Unlock()
		return false
	}
	wp.ready = append(wp.ready, ch)
	wp.lock.Unlock()
	return true
}

func (wp *workerPool) workerFunc(ch *workerChan) {
	for ctx := range ch.ch {
		if ctx == nil {
			break
		}
		if err := wp.WorkerFunc(ctx); err != nil {
			wp.Logger.Warn("worker failed", zap.Error(err))
		}
		putContext(ctx)
		if !wp.release(ch) {
			break
		}
	}
	wp.lock.Lock()
	wp.workersCount--
	wp.lock.Unlock()
}
