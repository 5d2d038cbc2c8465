// Package async provides a prefetching batch loader. A pool of workers
// decodes and augments samples ahead of the consumer; batches are always
// delivered in permutation order regardless of worker scheduling, and every
// worker owns an independently seeded random source so augmentation is
// reproducible for a fixed seed and worker count.
package async

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/vesselab/vesstrain/augment"
	"github.com/vesselab/vesstrain/dataset"
	"github.com/vesselab/vesstrain/tensor"
)

// Batch is a stack of samples: images [B,C,H,W] float32, masks [B,H,W] int64.
// The last batch of an epoch may be short.
type Batch struct {
	Images *tensor.Tensor
	Masks  *tensor.Tensor
	Size   int
}

// Options configures a Loader.
type Options struct {
	BatchSize  int
	Shuffle    bool
	NumWorkers int
	Prefetch   int // buffered batches ahead of the consumer; defaults to max(2, 2*NumWorkers)
	Seed       int64
	Transform  augment.Transform // optional per-sample transform, fed the worker's RNG
}

type result struct {
	seq   int
	batch *Batch
	err   error
}

// Loader iterates a dataset in batches, one epoch at a time. Start begins an
// epoch, Next/HasNext consume it in order, Stop tears the workers down.
type Loader struct {
	ds   dataset.Dataset
	opts Options

	perm       int
	epochPerm  []int
	numBatches int

	next    int
	pending map[int]result
	results chan result
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	inlineRNG *rand.Rand
}

// NewLoader validates options and creates a loader. The loader owns no
// goroutines until Start is called.
func NewLoader(ds dataset.Dataset, opts Options) (*Loader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.NumWorkers < 0 {
		return nil, fmt.Errorf("worker count cannot be negative, got %d", opts.NumWorkers)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 2
		if 2*opts.NumWorkers > opts.Prefetch {
			opts.Prefetch = 2 * opts.NumWorkers
		}
	}
	return &Loader{ds: ds, opts: opts}, nil
}

// DeriveSeed produces the seed for one worker of one epoch from the global
// seed. Distinct epochs and workers get distinct streams; runs with the same
// global seed and worker count replay identically.
func DeriveSeed(seed int64, epoch, worker int) int64 {
	return seed + int64(epoch)*1000003 + int64(worker)
}

// Start materializes the epoch's batch order and launches the worker pool.
// With NumWorkers == 0, samples load inline on the consumer goroutine. A
// loader must be stopped before it can start another epoch.
func (l *Loader) Start(ctx context.Context, epoch int) error {
	if l.started {
		return fmt.Errorf("loader already started")
	}
	n := l.ds.Len()
	if l.opts.Shuffle {
		l.epochPerm = rand.New(rand.NewSource(l.opts.Seed + int64(epoch))).Perm(n)
	} else {
		l.epochPerm = make([]int, n)
		for i := range l.epochPerm {
			l.epochPerm[i] = i
		}
	}
	l.numBatches = (n + l.opts.BatchSize - 1) / l.opts.BatchSize
	l.next = 0
	l.pending = make(map[int]result)
	l.started = true

	if l.opts.NumWorkers == 0 {
		l.inlineRNG = rand.New(rand.NewSource(DeriveSeed(l.opts.Seed, epoch, 0)))
		l.ctx, l.cancel = context.WithCancel(ctx)
		return nil
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	l.results = make(chan result, l.opts.Prefetch)
	for w := 0; w < l.opts.NumWorkers; w++ {
		l.wg.Add(1)
		go l.worker(w, epoch)
	}
	return nil
}

// worker processes the statically assigned batch sequence numbers
// (seq % NumWorkers == id) in ascending order with its own random source.
func (l *Loader) worker(id, epoch int) {
	defer l.wg.Done()
	rng := rand.New(rand.NewSource(DeriveSeed(l.opts.Seed, epoch, id)))
	for seq := id; seq < l.numBatches; seq += l.opts.NumWorkers {
		if l.ctx.Err() != nil {
			return
		}
		batch, err := l.loadBatch(seq, rng)
		select {
		case l.results <- result{seq: seq, batch: batch, err: err}:
		case <-l.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// HasNext reports whether the current epoch has undelivered batches.
func (l *Loader) HasNext() bool {
	return l.started && l.next < l.numBatches
}

// Next blocks until the next batch in order is ready.
func (l *Loader) Next() (*Batch, error) {
	if !l.started {
		return nil, fmt.Errorf("loader not started")
	}
	if l.next >= l.numBatches {
		return nil, fmt.Errorf("no batches left in epoch")
	}
	if l.opts.NumWorkers == 0 {
		if err := l.ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := l.loadBatch(l.next, l.inlineRNG)
		if err != nil {
			return nil, err
		}
		l.next++
		return batch, nil
	}
	for {
		if res, ok := l.pending[l.next]; ok {
			delete(l.pending, l.next)
			if res.err != nil {
				return nil, res.err
			}
			l.next++
			return res.batch, nil
		}
		select {
		case res := <-l.results:
			l.pending[res.seq] = res
		case <-l.ctx.Done():
			return nil, l.ctx.Err()
		}
	}
}

// Stop cancels the workers and drains any in-flight batches. The loader can
// be started again for another epoch afterwards.
func (l *Loader) Stop() {
	if !l.started {
		return
	}
	l.cancel()
	if l.opts.NumWorkers > 0 {
		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()
		for {
			select {
			case <-l.results:
			case <-done:
				l.started = false
				return
			}
		}
	}
	l.started = false
}

// NumBatches returns the number of batches in one epoch.
func (l *Loader) NumBatches() int {
	n := l.ds.Len()
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Len returns the underlying dataset size.
func (l *Loader) Len() int {
	return l.ds.Len()
}

func (l *Loader) loadBatch(seq int, rng *rand.Rand) (*Batch, error) {
	start := seq * l.opts.BatchSize
	end := start + l.opts.BatchSize
	if end > len(l.epochPerm) {
		end = len(l.epochPerm)
	}
	images := make([]augment.Image, 0, end-start)
	masks := make([]augment.Mask, 0, end-start)
	for _, idx := range l.epochPerm[start:end] {
		img, mask, err := l.ds.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		if l.opts.Transform != nil {
			img, mask, err = l.opts.Transform.Apply(img, mask, rng)
			if err != nil {
				return nil, fmt.Errorf("failed to transform sample %d: %v", idx, err)
			}
		}
		images = append(images, img)
		masks = append(masks, mask)
	}
	return Collate(images, masks)
}
