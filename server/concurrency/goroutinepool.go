// Package concurrency contains a bounded pool of goroutines.
package concurrency

import "sync"

// Task represents a work task to be run on the specified thread pool.
type Task func()

// GoRoutinePool runs tasks on at most a fixed number of goroutines. Idle goroutines
// are kept around until Stop is called.
type GoRoutinePool struct {
	// Work queue.
	work chan Task
	// Counter to control the number of already allocated/running goroutines.
	sem chan struct{}
	// Exit knob.
	stop chan struct{}
	// Running workers.
	wg sync.WaitGroup
}

// NewGoRoutinePool allocates a new thread pool with `numWorkers` goroutines.
func NewGoRoutinePool(numWorkers int) *GoRoutinePool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &GoRoutinePool{
		work: make(chan Task),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}),
	}
}

// Schedule enqueues a closure to run on the GoRoutinePool's goroutines. It blocks
// while all goroutines are busy. Returns false if the pool is stopped.
func (p *GoRoutinePool) Schedule(task Task) bool {
	select {
	case <-p.stop:
		return false
	default:
	}

	select {
	case p.work <- task:
	case p.sem <- struct{}{}:
		p.wg.Add(1)
		go p.worker(task)
	case <-p.stop:
		return false
	}
	return true
}

// Stop signals all goroutines to exit and waits for the running tasks to finish.
// Must be called at most once.
func (p *GoRoutinePool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Thread pool worker goroutine.
func (p *GoRoutinePool) worker(task Task) {
	defer func() {
		<-p.sem
		p.wg.Done()
	}()
	for {
		task()
		select {
		case task = <-p.work:
		case <-p.stop:
			return
		}
	}
}
