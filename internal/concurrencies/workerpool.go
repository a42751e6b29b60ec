package concurrencies

import (
	"sync"

	"github.com/gammazero/deque"
)

// WorkerPool runs submitted jobs on at most maxWorkers goroutines. Jobs that
// find every worker busy wait in a FIFO, so a pool of one runs jobs strictly
// in submission order.
type WorkerPool struct {
	maxWorkers   int
	taskQueue    chan func()
	workerQueue  chan func()
	stoppedChan  chan struct{}
	waitingQueue deque.Deque[func()]
	stopLock     sync.Mutex
	stopOnce     sync.Once
	stopped      bool
}

func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	pool := &WorkerPool{
		maxWorkers:  maxWorkers,
		taskQueue:   make(chan func()),
		workerQueue: make(chan func()),
		stoppedChan: make(chan struct{}),
	}
	go pool.dispatch()
	return pool
}

// Submit hands a job to the pool. It never blocks on a busy worker and
// reports false once the pool is stopped.
func (p *WorkerPool) Submit(task func()) bool {
	if task == nil {
		return true
	}
	p.stopLock.Lock()
	defer p.stopLock.Unlock()
	if p.stopped {
		return false
	}
	p.taskQueue <- task
	return true
}

// StopWait stops accepting jobs and returns after every queued job ran.
func (p *WorkerPool) StopWait() {
	p.stopOnce.Do(func() {
		p.stopLock.Lock()
		p.stopped = true
		close(p.taskQueue)
		p.stopLock.Unlock()
	})
	<-p.stoppedChan
}

func (p *WorkerPool) dispatch() {
	defer close(p.stoppedChan)
	var workerCount int
	var wg sync.WaitGroup

loop:
	for {
		// Feed waiting jobs first so order is kept.
		if p.waitingQueue.Len() > 0 {
			select {
			case task, ok := <-p.taskQueue:
				if !ok {
					break loop
				}
				p.waitingQueue.PushBack(task)
			case p.workerQueue <- p.waitingQueue.Front():
				p.waitingQueue.PopFront()
			}
			continue
		}

		task, ok := <-p.taskQueue
		if !ok {
			break loop
		}
		select {
		case p.workerQueue <- task:
		default:
			if workerCount < p.maxWorkers {
				wg.Add(1)
				go worker(task, p.workerQueue, &wg)
				workerCount++
			} else {
				p.waitingQueue.PushBack(task)
			}
		}
	}

	for p.waitingQueue.Len() > 0 {
		p.workerQueue <- p.waitingQueue.PopFront()
	}
	for workerCount > 0 {
		p.workerQueue <- nil
		workerCount--
	}
	wg.Wait()
}

func worker(task func(), workerQueue chan func(), wg *sync.WaitGroup) {
	for task != nil {
		task()
		task = <-workerQueue
	}
	wg.Done()
}
