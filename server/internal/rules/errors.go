package rules

import "fmt"

// DuplicateRuleError is returned by Register when a rule ID is already bound
// to a different definition.
type DuplicateRuleError struct {
	RuleID string
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("rules: %q already registered with a different definition", e.RuleID)
}

// MissingInputError is returned by a rule predicate when the record lacks the
// field the rule reads.
type MissingInputError struct {
	RuleID string
	Input  string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("rules: %s: record has no %s", e.RuleID, e.Input)
}
