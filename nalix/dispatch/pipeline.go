package dispatch

import (
	"sort"
)

// Next continues the middleware chain. A middleware that never calls next
// terminates dispatch; it is then responsible for replying or dropping.
type Next func()

// Middleware wraps one stage of packet processing.
type Middleware interface {
	Invoke(ctx *Ctx, next Next)
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc func(ctx *Ctx, next Next)

func (f MiddlewareFunc) Invoke(ctx *Ctx, next Next) { f(ctx, next) }

type stage struct {
	name  string
	order int
	m     Middleware
}

// Built-in stage orders. Custom middlewares slot in between.
const (
	OrderUnwrap       = 3
	OrderPolicyGate   = 5
	OrderReturnHandle = 1
	OrderWrap         = 2
)

// Pipeline holds the ordered pre and post stages around the terminal
// dispatch stage. Stages run in ascending order within their phase.
type Pipeline struct {
	pre  []stage
	post []stage
}

func NewPipeline() *Pipeline { return &Pipeline{} }

// UsePre inserts a pre-phase middleware at the given order.
func (p *Pipeline) UsePre(name string, order int, m Middleware) *Pipeline {
	p.pre = insertStage(p.pre, stage{name: name, order: order, m: m})
	return p
}

// UsePost inserts a post-phase middleware at the given order.
func (p *Pipeline) UsePost(name string, order int, m Middleware) *Pipeline {
	p.post = insertStage(p.post, stage{name: name, order: order, m: m})
	return p
}

func insertStage(stages []stage, s stage) []stage {
	stages = append(stages, s)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].order < stages[j].order })
	return stages
}

// Execute composes pre stages, the terminal stage and post stages into one
// chain of responsibility and runs it. The terminal receives a next that
// leads into the post phase.
func (p *Pipeline) Execute(ctx *Ctx, terminal Middleware) {
	chain := make([]Middleware, 0, len(p.pre)+1+len(p.post))
	for _, s := range p.pre {
		chain = append(chain, s.m)
	}
	chain = append(chain, terminal)
	for _, s := range p.post {
		chain = append(chain, s.m)
	}

	var run func(i int)
	run = func(i int) {
		if i >= len(chain) {
			return
		}
		chain[i].Invoke(ctx, func() { run(i + 1) })
	}
	run(0)
}
