package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/i2y/leanflow/definition"
)

// Evaluator compiles and caches expressions. Expressions see process
// variables as top-level identifiers; unknown identifiers evaluate to nil.
type Evaluator struct {
	programs sync.Map // expression -> *vm.Program
}

// NewEvaluator creates an Evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	if p, ok := e.programs.Load(expression); ok {
		return p.(*vm.Program), nil
	}
	program, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}
	e.programs.Store(expression, program)
	return program, nil
}

// Value evaluates expression against env.
func (e *Evaluator) Value(expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %q: %w", expression, err)
	}
	return out, nil
}

// Condition evaluates a connection condition. An empty condition is true;
// a non-boolean result is an error.
func (e *Evaluator) Condition(expression string, env map[string]any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	out, err := e.Value(expression, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", expression, out)
	}
	return b, nil
}

var variableRef = regexp.MustCompile(`^\$\{\s*(.+?)\s*\}$`)

// Resolve expands a "${expression}" reference; any other text is returned as is.
func (e *Evaluator) Resolve(text string, env map[string]any) (string, error) {
	m := variableRef.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return text, nil
	}
	out, err := e.Value(m[1], env)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return fmt.Sprint(out), nil
}

// CheckDocument compiles every expression a document carries so that
// syntax errors surface at publish time.
func (e *Evaluator) CheckDocument(doc *definition.Document) error {
	var problems []string
	check := func(where, expression string) {
		if strings.TrimSpace(expression) == "" {
			return
		}
		if _, err := e.compile(expression); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", where, err))
		}
	}

	for _, c := range doc.Connections {
		check("connection "+c.ID, c.Condition)
	}
	for _, a := range doc.Activities {
		if m := variableRef.FindStringSubmatch(strings.TrimSpace(a.Assignee)); m != nil {
			check("activity "+a.ID+" assignee", m[1])
		}
		var props struct {
			Assignments map[string]string `json:"assignments"`
			Inputs      map[string]string `json:"inputs"`
			Correlation string            `json:"correlation"`
		}
		if err := a.Properties.Decode(&props); err != nil {
			problems = append(problems, fmt.Sprintf("activity %s: invalid properties: %v", a.ID, err))
			continue
		}
		for _, name := range sortedKeys(props.Assignments) {
			check("activity "+a.ID+" assignment "+name, props.Assignments[name])
		}
		for _, name := range sortedKeys(props.Inputs) {
			check("activity "+a.ID+" input "+name, props.Inputs[name])
		}
		check("activity "+a.ID+" correlation", props.Correlation)
	}

	if len(problems) > 0 {
		return &definition.ValidationError{Problems: problems}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
