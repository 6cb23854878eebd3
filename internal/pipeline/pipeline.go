// Package pipeline runs one raw message through the staged write path:
// normalize, validate, persist, then fan out to cache and bus.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"feedhub/internal/logger"

	"golang.org/x/sync/errgroup"
)

// Pipeline 负责按 stage 调度一组中间件。同一 stage 的中间件并发执行。
type Pipeline struct {
	name   string
	stages [][]Middleware
}

// New groups middlewares by Stage, ascending. Registration order is kept
// within a stage.
func New(name string, middlewares ...Middleware) *Pipeline {
	var all []Middleware
	for _, mw := range middlewares {
		if mw != nil {
			all = append(all, mw)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Meta().Stage < all[j].Meta().Stage })

	p := &Pipeline{name: name}
	for i, mw := range all {
		if i == 0 || mw.Meta().Stage != all[i-1].Meta().Stage {
			p.stages = append(p.stages, nil)
		}
		last := len(p.stages) - 1
		p.stages[last] = append(p.stages[last], mw)
	}
	return p
}

func (p *Pipeline) Name() string { return p.name }

// Names lists middleware names in execution order.
func (p *Pipeline) Names() []string {
	var out []string
	for _, stage := range p.stages {
		for _, mw := range stage {
			out = append(out, mw.Meta().Name)
		}
	}
	return out
}

// Run executes every stage in order. The first critical failure stops the
// run and is returned; non-critical failures are recorded as warnings on
// env and the run continues.
func (p *Pipeline) Run(ctx context.Context, env *Envelope) error {
	if env == nil {
		return fmt.Errorf("nil envelope")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, stage := range p.stages {
		if err := p.runStage(ctx, env, stage); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, env *Envelope, stage []Middleware) error {
	// 单个中间件直接执行，避免每条消息都起 goroutine
	if len(stage) == 1 {
		return p.settle(env, p.invoke(ctx, env, stage[0]))
	}
	results := make([]*MiddlewareError, len(stage))
	group, stageCtx := errgroup.WithContext(ctx)
	for i, mw := range stage {
		i, mw := i, mw
		group.Go(func() error {
			results[i] = p.invoke(stageCtx, env, mw)
			if results[i] != nil && results[i].Critical {
				return results[i]
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	for _, res := range results {
		_ = p.settle(env, res)
	}
	return nil
}

// settle returns critical failures and downgrades the rest to warnings.
func (p *Pipeline) settle(env *Envelope, mwErr *MiddlewareError) error {
	if mwErr == nil {
		return nil
	}
	if mwErr.Critical {
		return mwErr
	}
	env.AddWarning(mwErr.Error())
	logger.Warnf("[pipeline] %s config#%d %s", p.name, env.Config.ID, mwErr.Error())
	return nil
}

// invoke runs one middleware under its timeout. A panic is reported as a
// failure of that middleware.
func (p *Pipeline) invoke(ctx context.Context, env *Envelope, mw Middleware) (mwErr *MiddlewareError) {
	meta := mw.Meta()
	runCtx := ctx
	if meta.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, meta.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			mwErr = &MiddlewareError{Middleware: meta.Name, Stage: meta.Stage, Critical: meta.Critical, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := mw.Handle(runCtx, env); err != nil {
		return &MiddlewareError{Middleware: meta.Name, Stage: meta.Stage, Critical: meta.Critical, Err: err}
	}
	return nil
}
