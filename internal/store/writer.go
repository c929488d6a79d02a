package store

import (
	"context"
	"sync"
)

type job struct {
	ctx    context.Context
	fn     func(Store) error
	result chan error
}

// Writer owns a Store and runs every job on one goroutine, in submission
// order. Reconcile passes, geocode completions and API writes all go
// through it, so no two of them touch the store at once.
type Writer struct {
	store Store
	jobs  chan job
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewWriter(s Store) *Writer {
	w := &Writer{
		store: s,
		jobs:  make(chan job),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case j := <-w.jobs:
			j.result <- w.run(j)
		case <-w.quit:
			return
		}
	}
}

func (w *Writer) run(j job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.fn(w.store)
}

// Do runs fn on the writer goroutine and returns its error. If ctx ends
// before fn is picked up, Do returns ctx.Err() and fn never runs. Once fn
// has started, Do waits for it regardless of ctx.
func (w *Writer) Do(ctx context.Context, fn func(Store) error) error {
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrClosed
	}
	return <-j.result
}

// Close stops the writer after the running job and closes the store.
func (w *Writer) Close() error {
	var err error
	w.once.Do(func() {
		close(w.quit)
		<-w.done
		err = w.store.Close()
	})
	return err
}
