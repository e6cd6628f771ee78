// Package fn holds the generic helpers the catalog ingest path is composed
// from: a Result carried between stages, stage composition, retry with
// backoff and a few slice utilities.
package fn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/locus-labs/locus/pkg/fn"

// Result is a value or the error that prevented it. Err(nil) is a success
// holding the zero value.
type Result[T any] struct {
	val T
	err error
}

func Ok[T any](v T) Result[T] { return Result[T]{val: v} }

func Err[T any](err error) Result[T] { return Result[T]{err: err} }

// FromPair lifts a (value, error) return into a Result.
func FromPair[T any](v T, err error) Result[T] { return Result[T]{val: v, err: err} }

func (r Result[T]) IsOk() bool { return r.err == nil }

// Unwrap returns the value and error.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Stage transforms In to Out under ctx.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Then runs second on the output of first. A failed first stage skips second.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, a A) Result[C] {
		r := first(ctx, a)
		if r.err != nil {
			return Err[C](r.err)
		}
		return second(ctx, r.val)
	}
}

// TracedStage runs stage inside a span named name and records its failure.
func TracedStage[In, Out any](name string, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := otel.Tracer(tracerName).Start(ctx, name)
		defer span.End()
		r := stage(ctx, in)
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
		}
		return r
	}
}
