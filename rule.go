package ruledns

// Rule is one entry of the rule table. If the condition matches, Then is
// executed, otherwise Else. A rule without Else fails the evaluation when the
// condition does not match. A nil condition matches everything.
type Rule struct {
	Tag  string
	If   Condition
	Then []Action
	Else []Action
}

// Returns the actions of both branches, Then first.
func (r *Rule) actions() []Action {
	a := make([]Action, 0, len(r.Then)+len(r.Else))
	a = append(a, r.Then...)
	return append(a, r.Else...)
}
