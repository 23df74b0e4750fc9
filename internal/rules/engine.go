// Package rules evaluates weighted condition trees against transactions.
package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/sentinel/internal/domain"
)

// Engine compiles rules into snapshots and evaluates them.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	snapshot   *Snapshot
	maxWorkers int
}

// CompiledRule holds a rule with its pre-compiled condition tree.
type CompiledRule struct {
	Rule *domain.Rule
	root *node
}

// Snapshot is an immutable, ordered set of compiled active rules.
// Scoring reads one snapshot per transaction.
type Snapshot struct {
	rules    []*CompiledRule
	LoadedAt time.Time
}

// Rules returns the compiled rules in (Priority, ID) order.
func (s *Snapshot) Rules() []*CompiledRule {
	if s == nil {
		return nil
	}
	return s.rules
}

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(celVariables()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		snapshot:   &Snapshot{LoadedAt: time.Now().UTC()},
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule strictly without touching the loaded snapshot.
func (e *Engine) ValidateRule(rule *domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidCondition)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidCondition)
	}
	if rule.Weight < 0 || rule.Weight > 1 {
		return fmt.Errorf("%w: rule %s weight must be in [0,1], got %v", ErrInvalidCondition, rule.ID, rule.Weight)
	}
	if rule.Condition == nil {
		return fmt.Errorf("%w: rule %s has no condition", ErrInvalidCondition, rule.ID)
	}
	_, err := e.compile(rule, true)
	return err
}

// Compile compiles a single rule for direct evaluation.
func (e *Engine) Compile(rule *domain.Rule) (*CompiledRule, error) {
	return e.compile(rule, false)
}

func (e *Engine) compile(rule *domain.Rule, strict bool) (*CompiledRule, error) {
	if rule.Condition == nil {
		return nil, fmt.Errorf("%w: rule %s has no condition", ErrInvalidCondition, rule.ID)
	}
	root, err := e.compileCondition(rule.Condition, 0, strict)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	return &CompiledRule{Rule: rule, root: root}, nil
}

// LoadRule compiles a rule and installs a new snapshot containing it.
// Inactive rules are removed from the snapshot.
func (e *Engine) LoadRule(rule *domain.Rule) error {
	compiled, err := e.compile(rule, false)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]*CompiledRule, 0, len(e.snapshot.rules)+1)
	for _, r := range e.snapshot.rules {
		if r.Rule.ID != rule.ID {
			next = append(next, r)
		}
	}
	if rule.Active {
		next = append(next, compiled)
	}
	e.snapshot = newSnapshot(next)
	return nil
}

// ReloadRules compiles the active rules and swaps them in atomically.
// On error the current snapshot stays in place.
func (e *Engine) ReloadRules(rules []*domain.Rule) error {
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		c, err := e.compile(rule, false)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	e.mu.Lock()
	e.snapshot = newSnapshot(compiled)
	e.mu.Unlock()
	return nil
}

func newSnapshot(rules []*CompiledRule) *Snapshot {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i].Rule, rules[j].Rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return &Snapshot{rules: rules, LoadedAt: time.Now().UTC()}
}

// Snapshot returns the current rule snapshot.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return e.Snapshot().Len()
}

// GetLoadedRules returns the currently loaded rule definitions.
func (e *Engine) GetLoadedRules() []*domain.Rule {
	snap := e.Snapshot()
	rules := make([]*domain.Rule, 0, snap.Len())
	for _, c := range snap.Rules() {
		rules = append(rules, c.Rule)
	}
	return rules
}

// Close drops the loaded rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshot = &Snapshot{LoadedAt: time.Now().UTC()}
	return nil
}

// Evaluate compiles and evaluates one rule. It returns whether the rule
// matched and its contribution (the rule weight when matched, else 0).
func (e *Engine) Evaluate(rule *domain.Rule, tx *domain.Transaction) (bool, float64, error) {
	compiled, err := e.compile(rule, false)
	if err != nil {
		return false, 0, err
	}
	matched, contribution := compiled.Evaluate(tx)
	return matched, contribution, nil
}

// Evaluate runs the compiled rule against tx.
func (r *CompiledRule) Evaluate(tx *domain.Transaction) (bool, float64) {
	out := r.evaluate(tx, nil)
	return out.matched, out.contribution
}

type ruleOutcome struct {
	matched      bool
	contribution float64
	comparisons  []domain.Comparison
	notes        []string
}

func (r *CompiledRule) evaluate(tx *domain.Transaction, vars map[string]any) ruleOutcome {
	state := &evalState{tx: tx, vars: vars}
	matched := r.root.eval(state)
	out := ruleOutcome{
		matched:     matched,
		comparisons: state.comparisons,
		notes:       state.notes,
	}
	if matched {
		out.contribution = r.Rule.Weight
	}
	return out
}

// EvaluateAll evaluates every rule in the snapshot and folds the outcomes
// into the rules signal. Rules run in parallel on a bounded pool; results
// are reassembled in snapshot order.
func (e *Engine) EvaluateAll(snap *Snapshot, tx *domain.Transaction) domain.SignalOutput {
	rules := snap.Rules()
	if len(rules) == 0 {
		return domain.Unavailable(domain.SignalRules, "no active rules")
	}

	vars := activation(tx)
	outcomes := make([]ruleOutcome, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			defer func() {
				if p := recover(); p != nil {
					outcomes[idx] = ruleOutcome{notes: []string{fmt.Sprintf("evaluation panic: %v", p)}}
				}
			}()

			outcomes[idx] = r.evaluate(tx, vars)
		}(i, rule)
	}

	wg.Wait()

	detail := &domain.RulesDetail{Evaluated: len(rules)}
	out := domain.SignalOutput{Signal: domain.SignalRules, Available: true, Rules: detail}

	for i, rule := range rules {
		o := outcomes[i]
		detail.TotalWeight += rule.Rule.Weight
		for _, n := range o.notes {
			out.Notes = append(out.Notes, rule.Rule.Code+": "+n)
			slog.Debug("rule data-quality note", "rule_id", rule.Rule.ID, "tx_id", tx.ID, "note", n)
		}
		if !o.matched {
			continue
		}
		detail.MatchedWeight += o.contribution
		detail.Matched = append(detail.Matched, domain.RuleMatch{
			RuleID:      rule.Rule.ID,
			Code:        rule.Rule.Code,
			Weight:      rule.Rule.Weight,
			Priority:    rule.Rule.Priority,
			Comparisons: o.comparisons,
		})
	}

	if detail.TotalWeight > 0 {
		out.Score = clamp01(detail.MatchedWeight / detail.TotalWeight)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
