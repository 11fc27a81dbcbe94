package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/massensors/beltconsole/config"
	"github.com/massensors/beltconsole/remote"
)

// StatusClass is the display class of a service mode status.
type StatusClass string

const (
	StatusActive   StatusClass = "active"
	StatusWarning  StatusClass = "warning"
	StatusError    StatusClass = "error"
	StatusInactive StatusClass = "inactive"
)

func parseStatusClass(raw string) (StatusClass, error) {
	switch c := StatusClass(strings.ToLower(strings.TrimSpace(raw))); c {
	case StatusActive, StatusWarning, StatusError, StatusInactive:
		return c, nil
	default:
		return "", fmt.Errorf("unknown status class %q", raw)
	}
}

// DefaultStatusRules are evaluated in order; the first match wins and
// anything unmatched is inactive.
var DefaultStatusRules = []config.StatusRuleConfig{
	{Class: string(StatusActive), When: `active || (message contains "aktywny" && !(lower(message) contains "nieaktywny"))`},
	{Class: string(StatusWarning), When: `message contains "ruchu"`},
	{Class: string(StatusError), When: `message contains "błąd" || message contains "Błąd" || lower(message) contains "nieaktywny"`},
}

type statusRule struct {
	class   StatusClass
	source  string
	program *vm.Program
}

// StatusClassifier maps a service mode payload to a display class.
type StatusClassifier struct {
	rules  []statusRule
	logger zerolog.Logger
}

func statusEnv(status *remote.ServiceModeStatus) map[string]interface{} {
	env := map[string]interface{}{
		"enabled":         false,
		"active":          false,
		"message":         "",
		"status_message":  "",
		"request_mode":    "",
		"conveyor_status": "",
	}
	if status == nil {
		return env
	}
	env["enabled"] = status.Enabled
	env["active"] = status.Active
	env["message"] = status.StatusMessage
	env["status_message"] = status.StatusMessage
	env["request_mode"] = status.RequestMode
	env["conveyor_status"] = status.ConveyorStatus.String()
	return env
}

// NewStatusClassifier compiles rules. An empty rule set uses DefaultStatusRules.
func NewStatusClassifier(rules []config.StatusRuleConfig, logger zerolog.Logger) (*StatusClassifier, error) {
	if len(rules) == 0 {
		rules = DefaultStatusRules
	}
	c := &StatusClassifier{logger: logger}
	var errs []error
	for i, rule := range rules {
		class, err := parseStatusClass(rule.Class)
		if err != nil {
			errs = append(errs, fmt.Errorf("status rule %d: %w", i, err))
			continue
		}
		source := strings.TrimSpace(rule.When)
		program, err := expr.Compile(source, expr.Env(statusEnv(nil)), expr.AsBool())
		if err != nil {
			errs = append(errs, fmt.Errorf("status rule %d (%s): compile: %w", i, class, err))
			continue
		}
		c.rules = append(c.rules, statusRule{class: class, source: source, program: program})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Classify returns the class of the first matching rule.
func (c *StatusClassifier) Classify(status *remote.ServiceModeStatus) StatusClass {
	if c == nil || status == nil {
		return StatusInactive
	}
	env := statusEnv(status)
	for _, rule := range c.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			c.logger.Warn().Err(err).Str("rule", rule.source).Msg("status rule failed")
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return rule.class
		}
	}
	return StatusInactive
}
