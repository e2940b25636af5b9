package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"segbench/internal/volume"
)

// Options configures a Provider.
type Options struct {
	Files      []string
	BatchSize  int
	Crop       []int
	Seed       int64
	Shuffle    bool
	NumWorkers int
	PendingCap int
}

// Batch stacks BatchSize samples along a leading axis: [N, spatial..., C].
type Batch struct {
	Keys   []string
	Images *volume.Volume
	Masks  *volume.Volume
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Keys)
}

// Provider yields batches from a fixed list of shard files. Each call to
// Batches starts a fresh pass, so a Provider can be iterated any number of times.
type Provider struct {
	opts Options
}

// NewProvider validates opts and returns a Provider.
func NewProvider(opts Options) (*Provider, error) {
	if len(opts.Files) == 0 {
		return nil, errors.New("dataset: no shard files provided")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	for i, c := range opts.Crop {
		if c <= 0 {
			return nil, fmt.Errorf("dataset: crop[%d] must be > 0 (got %d)", i, c)
		}
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	opts.Files = append([]string(nil), opts.Files...)
	opts.Crop = append([]int(nil), opts.Crop...)
	return &Provider{opts: opts}, nil
}

// Batches starts one pass over the data. The batch channel closes when the
// pass ends; at most one error is delivered before the error channel closes.
func (p *Provider) Batches(parent context.Context) (<-chan Batch, <-chan error) {
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan shardJob, p.opts.NumWorkers)
	cursors := make(chan shardCursor, p.opts.NumWorkers)
	samples := make(chan Sample, p.opts.NumWorkers*2)
	out := make(chan Batch)
	errCh := make(chan error, 1)

	order := p.order()

	g.Go(func() error {
		defer close(jobs)
		for id, path := range order {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case jobs <- shardJob{id: int64(id), path: path}:
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(cursors)
		var workers errgroup.Group
		for i := 0; i < p.opts.NumWorkers; i++ {
			workers.Go(func() error {
				return worker(gctx, jobs, cursors, p.opts.PendingCap)
			})
		}
		return workers.Wait()
	})

	g.Go(func() error {
		defer close(samples)
		return runAggregator(gctx, cursors, samples)
	})

	g.Go(func() error {
		defer close(out)
		return p.assemble(gctx, samples, out)
	})

	go func() {
		defer close(errCh)
		defer cancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	return out, errCh
}

// order returns the shard visiting order, shuffled deterministically by seed.
func (p *Provider) order() []string {
	order := append([]string(nil), p.opts.Files...)
	if p.opts.Shuffle {
		rng := rand.New(rand.NewSource(p.opts.Seed))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return order
}

func (p *Provider) assemble(ctx context.Context, samples <-chan Sample, out chan<- Batch) error {
	keys := make([]string, 0, p.opts.BatchSize)
	images := make([]*volume.Volume, 0, p.opts.BatchSize)
	masks := make([]*volume.Volume, 0, p.opts.BatchSize)

	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		img, err := volume.Stack(images)
		if err != nil {
			return fmt.Errorf("stack images: %w", err)
		}
		msk, err := volume.Stack(masks)
		if err != nil {
			return fmt.Errorf("stack masks: %w", err)
		}
		batch := Batch{Keys: keys, Images: img, Masks: msk}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- batch:
		}
		keys = make([]string, 0, p.opts.BatchSize)
		images = make([]*volume.Volume, 0, p.opts.BatchSize)
		masks = make([]*volume.Volume, 0, p.opts.BatchSize)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-samples:
			if !ok {
				return flush()
			}
			img, err := volume.CenterCrop(sample.Image, p.opts.Crop)
			if err != nil {
				return fmt.Errorf("crop image %s: %w", sample.Key, err)
			}
			msk, err := volume.CenterCrop(sample.Mask, p.opts.Crop)
			if err != nil {
				return fmt.Errorf("crop mask %s: %w", sample.Key, err)
			}
			keys = append(keys, sample.Key)
			images = append(images, img)
			masks = append(masks, msk)
			if len(keys) == p.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

type shardJob struct {
	id   int64
	path string
}

type shardCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			cursor := shardCursor{id: job.id, samples: samples, errCh: errCh}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cursors <- cursor:
			}
		}
	}
}

// runAggregator forwards samples shard by shard in job order, regardless of
// which worker finished opening its shard first.
func runAggregator(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample) error {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case c, open := <-cursors:
				if !open {
					if len(pending) > 0 {
						return fmt.Errorf("dataset: %d shards never delivered", len(pending))
					}
					return nil
				}
				pending[c.id] = c
			}
			continue
		}

		if err := drain(ctx, cursor, out); err != nil {
			return err
		}
		delete(pending, nextID)
		nextID++
	}
}

func drain(ctx context.Context, cursor shardCursor, out chan<- Sample) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample, ok := <-cursor.samples:
			if !ok {
				return <-cursor.errCh
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- sample:
			}
		}
	}
}
