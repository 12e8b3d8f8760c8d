package swarm

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Condition variables. Missing variables evaluate as empty maps.
var conditionVars = []string{"inputs", "state", "output", "metrics"}

// Conditions evaluates boolean CEL expressions over action inputs, state,
// output and metrics. Compiled programs are cached per expression.
type Conditions struct {
	env       *cel.Env
	mu        sync.RWMutex
	programs  map[string]cel.Program
	costLimit uint64
}

// NewConditions creates an evaluator with the standard variables.
func NewConditions() (*Conditions, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range conditionVars {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Conditions{
		env:       env,
		programs:  make(map[string]cel.Program),
		costLimit: 10000,
	}, nil
}

// Compile checks expr and caches its program.
func (c *Conditions) Compile(expr string) error {
	_, err := c.program(expr)
	return err
}

func (c *Conditions) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.programs[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, NewError(KindValidation, "compile condition", expr, issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(c.costLimit),
	)
	if err != nil {
		return nil, NewError(KindValidation, "compile condition", expr, err)
	}
	c.programs[expr] = prg
	return prg, nil
}

// Eval evaluates expr and requires a boolean result.
func (c *Conditions) Eval(expr string, vars map[string]interface{}) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	activation := make(map[string]interface{}, len(conditionVars))
	for _, name := range conditionVars {
		if v, ok := vars[name]; ok && v != nil {
			activation[name] = v
		} else {
			activation[name] = map[string]interface{}{}
		}
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, NewError(KindExecution, "eval condition", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, NewError(KindValidation, "eval condition", expr, fmt.Errorf("result is %T, not bool", out.Value()))
	}
	return val, nil
}

// Check evaluates every expression and returns the ones that did not hold.
// Expressions that fail to evaluate count as not holding; compile errors are
// returned as errors.
func (c *Conditions) Check(exprs []string, vars map[string]interface{}) ([]string, error) {
	var failed []string
	for _, expr := range exprs {
		ok, err := c.Eval(expr, vars)
		if err != nil {
			if KindOf(err) == KindValidation {
				return failed, err
			}
			failed = append(failed, fmt.Sprintf("%s (%v)", expr, err))
			continue
		}
		if !ok {
			failed = append(failed, expr)
		}
	}
	return failed, nil
}
