package formula

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/ratehub/pkg/models"
)

const (
	bidSuffix = "_bid"
	askSuffix = "_ask"
)

var errNonNumeric = errors.New("formula produced a non-numeric result")

// Backend is one expression language. Implementations must build a fresh
// scope per call and must not keep state between evaluations.
type Backend interface {
	Name() string
	Compile(formula string, vars []string) error
	Evaluate(ctx context.Context, formula string, vars map[string]float64) (any, error)
}

// Engine dispatches evaluations to the registered back-ends by name
type Engine struct {
	backends map[string]Backend
	aliases  map[string]string
	timeout  time.Duration
}

// NewEngine registers the given back-ends. Every evaluation is bounded by timeout.
func NewEngine(timeout time.Duration, backends ...Backend) *Engine {
	e := &Engine{
		backends: make(map[string]Backend, len(backends)),
		aliases:  make(map[string]string),
		timeout:  timeout,
	}
	for _, b := range backends {
		e.backends[b.Name()] = b
	}
	return e
}

// NewDefaultEngine registers expr as "engine-A" and sandboxed lua as "engine-B"
func NewDefaultEngine(timeout time.Duration) *Engine {
	e := NewEngine(timeout, NewExprBackend(), NewLuaBackend())
	e.Alias("engine-A", ExprEngine)
	e.Alias("engine-B", LuaEngine)
	return e
}

// Alias makes alias resolve to an already registered back-end
func (e *Engine) Alias(alias, target string) {
	e.aliases[alias] = target
}

func (e *Engine) backend(name string) (Backend, error) {
	if target, ok := e.aliases[name]; ok {
		name = target
	}
	b, ok := e.backends[name]
	if !ok {
		return nil, &UnsupportedEngineError{Engine: name}
	}
	return b, nil
}

// Engines lists the registered back-end names, sorted
func (e *Engine) Engines() []string {
	names := make([]string, 0, len(e.backends))
	for name := range e.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VariableNames lists the bindings a formula over inputs and helpers may reference
func VariableNames(inputs []string, helpers []string) []string {
	names := make([]string, 0, 2*len(inputs)+len(helpers))
	for _, in := range inputs {
		names = append(names, in+bidSuffix, in+askSuffix)
	}
	return append(names, helpers...)
}

// Validate compiles formula against the variables it will be bound with
func (e *Engine) Validate(engineName, formula string, vars []string) error {
	b, err := e.backend(engineName)
	if err != nil {
		return err
	}
	if err := b.Compile(formula, vars); err != nil {
		return &EvaluationError{Engine: b.Name(), Formula: formula, Err: err}
	}
	return nil
}

// Bind explodes every input rate into <name>_bid and <name>_ask and adds the helpers unchanged
func Bind(inputs map[string]models.Rate, helpers map[string]decimal.Decimal) map[string]float64 {
	vars := make(map[string]float64, 2*len(inputs)+len(helpers))
	for name, rate := range inputs {
		vars[name+bidSuffix] = rate.Bid.InexactFloat64()
		vars[name+askSuffix] = rate.Ask.InexactFloat64()
	}
	for name, v := range helpers {
		vars[name] = v.InexactFloat64()
	}
	return vars
}

// Evaluate runs formula on the named back-end and normalizes the result to a decimal
func (e *Engine) Evaluate(ctx context.Context, engineName, formula string, inputs map[string]models.Rate, helpers map[string]decimal.Decimal) (decimal.Decimal, error) {
	b, err := e.backend(engineName)
	if err != nil {
		return decimal.Zero, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	out, err := b.Evaluate(ctx, formula, Bind(inputs, helpers))
	if err != nil {
		return decimal.Zero, &EvaluationError{Engine: b.Name(), Formula: formula, Err: err}
	}

	result, err := toDecimal(out)
	if err != nil {
		return decimal.Zero, &EvaluationError{Engine: b.Name(), Formula: formula, Err: err}
	}
	return result, nil
}

// toDecimal accepts any numeric kind a back-end may return
func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, errNonNumeric
		}
		return *n, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return decimal.NewFromInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(rv.Uint()), 0), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, fmt.Errorf("formula produced %v", f)
		}
		// 15 significant digits drop the binary noise of float arithmetic
		// (0.1+0.2 gives 0.3), at the cost of precision beyond that
		return decimal.NewFromString(strconv.FormatFloat(f, 'g', 15, 64))
	default:
		return decimal.Zero, fmt.Errorf("%w: %T", errNonNumeric, v)
	}
}
