// Package batch runs one operation over many items with bounded
// concurrency. A failing item never stops the others.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

const DefaultLimit = 3

type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

type Outcome[T any] struct {
	Index int
	Item  T
	Err   error
}

func (o Outcome[T]) OK() bool { return o.Err == nil }

type Report[T any] struct {
	// Outcomes is in input order.
	Outcomes  []Outcome[T]
	Succeeded int
	Failed    int
}

// Status summarizes the run: completed when nothing failed, failed when
// nothing succeeded, partial otherwise.
func (r Report[T]) Status() Status {
	switch {
	case r.Failed == 0:
		return StatusCompleted
	case r.Succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Errors returns the failed outcomes.
func (r Report[T]) Errors() []Outcome[T] {
	var out []Outcome[T]
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Run calls fn for every item, at most limit at a time. Items not yet
// started when ctx is canceled fail with the context error. A panic in fn
// fails only that item.
func Run[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) Report[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	outcomes := make([]Outcome[T], len(items))

	// errgroup 只用来限流，单项错误记录在 outcomes 里
	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		outcomes[i] = Outcome[T]{Index: i, Item: item}
		if err := ctx.Err(); err != nil {
			outcomes[i].Err = err
			continue
		}
		g.Go(func() error {
			outcomes[i].Err = call(ctx, item, fn)
			return nil
		})
	}
	_ = g.Wait()

	r := Report[T]{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			r.Failed++
		} else {
			r.Succeeded++
		}
	}
	return r
}

func call[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, item)
}
