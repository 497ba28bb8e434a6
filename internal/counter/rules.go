package counter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mylxsw/asteria/log"

	"github.com/mylxsw/checksum-tokenizer/internal/config"
)

// EvalEnv is the environment rule expressions are evaluated against.
type EvalEnv struct {
	TokenCount int
	Words      int
	Model      string
	Encoding   string
	Path       string
}

type compiledRule struct {
	source  string
	program *vm.Program
	label   string
}

// Rules labels requests by the first matching expression.
type Rules struct {
	rules []compiledRule
}

func CompileRules(cfgs []config.RuleConfig) (*Rules, error) {
	rs := &Rules{}
	for _, r := range cfgs {
		program, err := expr.Compile(r.Expression, expr.Env(EvalEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", r.Expression, err)
		}
		rs.rules = append(rs.rules, compiledRule{source: r.Expression, program: program, label: r.Label})
	}
	return rs, nil
}

// Classify returns the label of the first rule that evaluates to true, or "".
func (rs *Rules) Classify(env EvalEnv) string {
	if rs == nil {
		return ""
	}
	for _, rule := range rs.rules {
		out, err := vm.Run(rule.program, env)
		if err != nil {
			log.Debugf("eval rule %s: %v", rule.source, err)
			continue
		}

		if matched, ok := out.(bool); ok && matched {
			log.Debugf("rule %s matched, label: %s", rule.source, rule.label)
			return rule.label
		}
	}
	return ""
}

func (rs *Rules) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}
