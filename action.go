package ruledns

import (
	"fmt"

	"github.com/miekg/dns"
)

// ActionKind is the type of step a rule takes.
type ActionKind int

const (
	// Resolve the query with an upstream and keep the result as pending.
	ActionQuery ActionKind = iota + 1
	// Continue evaluation at another rule.
	ActionJump
	// Stop and return the pending result.
	ActionEnd
	// Stop and answer with REFUSED without contacting any upstream.
	ActionDisable
)

// Action is one step in the action list of a rule. Tag names the upstream for
// ActionQuery and the rule for ActionJump. QType optionally forces the record
// type of the query sent by ActionQuery.
type Action struct {
	Kind  ActionKind
	Tag   string
	QType uint16
}

// QueryAction returns an action resolving the query with the given upstream.
func QueryAction(upstream string) Action {
	return Action{Kind: ActionQuery, Tag: upstream}
}

// QueryTypeAction returns an action resolving a copy of the query, with the
// record type replaced, with the given upstream.
func QueryTypeAction(upstream string, qtype uint16) Action {
	return Action{Kind: ActionQuery, Tag: upstream, QType: qtype}
}

// JumpAction returns an action continuing evaluation at another rule.
func JumpAction(rule string) Action {
	return Action{Kind: ActionJump, Tag: rule}
}

// EndAction returns an action that stops evaluation.
func EndAction() Action {
	return Action{Kind: ActionEnd}
}

// DisableAction returns an action that refuses the query.
func DisableAction() Action {
	return Action{Kind: ActionDisable}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionQuery:
		if a.QType != 0 {
			return fmt.Sprintf("query(%s,%s)", a.Tag, dns.Type(a.QType))
		}
		return fmt.Sprintf("query(%s)", a.Tag)
	case ActionJump:
		return fmt.Sprintf("jump(%s)", a.Tag)
	case ActionEnd:
		return "end"
	case ActionDisable:
		return "disable"
	}
	return fmt.Sprintf("Action(%d)", int(a.Kind))
}
