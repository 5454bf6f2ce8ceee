package domain

import (
	"context"
	"fmt"
)

// Rule inspects the changes of one registry transaction before they commit.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view TransactionView, changes []Change) (Result, error)
}

// RulesEngine runs rules in registration order.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine returns an engine preloaded with rules.
func NewRulesEngine(rules ...Rule) *RulesEngine {
	e := &RulesEngine{}
	e.Register(rules...)
	return e
}

// Register appends rules; nil entries are ignored.
func (e *RulesEngine) Register(rules ...Rule) {
	for _, r := range rules {
		if r != nil {
			e.rules = append(e.rules, r)
		}
	}
}

// Names lists the registered rules.
func (e *RulesEngine) Names() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Evaluate merges the violations of every rule. The first rule error aborts
// the evaluation.
func (e *RulesEngine) Evaluate(ctx context.Context, view TransactionView, changes []Change) (Result, error) {
	var out Result
	for _, r := range e.rules {
		res, err := r.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", r.Name(), err)
		}
		out.Merge(res)
	}
	return out, nil
}
