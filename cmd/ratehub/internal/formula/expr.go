package formula

import (
	"context"

	"github.com/expr-lang/expr"
)

// ExprEngine is the general-purpose expression back-end
const ExprEngine = "expr"

type exprBackend struct{}

func NewExprBackend() Backend { return exprBackend{} }

func (exprBackend) Name() string { return ExprEngine }

func (exprBackend) Compile(formula string, vars []string) error {
	env := make(map[string]float64, len(vars))
	for _, v := range vars {
		env[v] = 0
	}
	_, err := expr.Compile(formula, expr.Env(env))
	return err
}

// Evaluate compiles against the exact bindings so an undefined name fails
// at compile time instead of evaluating to nil.
func (exprBackend) Evaluate(ctx context.Context, formula string, vars map[string]float64) (any, error) {
	program, err := expr.Compile(formula, expr.Env(vars))
	if err != nil {
		return nil, err
	}

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := expr.Run(program, vars)
		done <- result{out: out, err: err}
	}()

	// expr has no cancellation hook; an abandoned run finishes in the background
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.out, r.err
	}
}
