package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs several independent workers against the same queue. Each worker
// stays strictly sequential; the pool only adds instances.
type Pool struct {
	workers []*Worker
	log     *zap.Logger
}

func NewPool(n int, q Queue, handlers Handlers, cfg Config, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}
	base := &Worker{log: zap.NewNop()}
	for _, o := range opts {
		o(base)
	}
	p := &Pool{log: base.log.With(zap.String("queue", cfg.Queue))}
	for i := range n {
		wopts := append([]Option{WithID(fmt.Sprintf("worker-%d", i+1))}, opts...)
		p.workers = append(p.workers, New(q, handlers, cfg, wopts...))
	}
	return p
}

func (p *Pool) Size() int { return len(p.workers) }

// Run blocks until every worker has drained after ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting", zap.Int("size", len(p.workers)))
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}
