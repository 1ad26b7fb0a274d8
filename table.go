package ruledns

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// EntryRule is the tag of the rule evaluation starts at.
const EntryRule = "start"

// Lower bound for the number of jumps allowed in one evaluation.
const defaultMaxJumps = 64

// Table is an ordered set of tagged rules. It walks the rules for each query,
// starting at the entry rule, and returns the result of the upstream chosen
// along the way.
type Table struct {
	rules     map[string]*Rule
	order     []string
	upstreams *Upstreams
	maxJumps  int
}

type TableOptions struct {
	// Maximum number of jumps in one evaluation before it's considered a loop.
	// Defaults to 64 or the number of rules, whichever is larger.
	MaxJumps int
}

// Result of a table evaluation. Query is the query that was sent upstream, it
// differs from the original query if the action forced a record type.
type Result struct {
	Msg      *dns.Msg
	Upstream string
	Query    *dns.Msg
}

// NewTable validates the rules and returns a table. The entry rule must exist,
// tags must be unique and every jump and query target must be defined.
func NewTable(rules []Rule, upstreams *Upstreams, opt TableOptions) (*Table, error) {
	t := &Table{
		rules:     make(map[string]*Rule, len(rules)),
		upstreams: upstreams,
		maxJumps:  opt.MaxJumps,
	}
	for i := range rules {
		r := rules[i]
		if r.Tag == "" {
			return nil, configErrorf(InvalidValue, "", "rule %d without tag", i)
		}
		if _, ok := t.rules[r.Tag]; ok {
			return nil, configErrorf(DuplicateTag, r.Tag, "rule defined more than once")
		}
		if r.If == nil {
			r.If = Any
		}
		t.rules[r.Tag] = &r
		t.order = append(t.order, r.Tag)
	}
	if _, ok := t.rules[EntryRule]; !ok {
		return nil, configErrorf(MissingEntryRule, EntryRule, "the table has no entry rule")
	}
	for _, tag := range t.order {
		r := t.rules[tag]
		for _, a := range r.actions() {
			switch a.Kind {
			case ActionQuery:
				if err := upstreams.Check(a.Tag); err != nil {
					return nil, configErrorf(UnknownUpstream, a.Tag, "referenced by rule '%s'", r.Tag)
				}
			case ActionJump:
				if _, ok := t.rules[a.Tag]; !ok {
					return nil, configErrorf(UnknownRule, a.Tag, "referenced by rule '%s'", r.Tag)
				}
			case ActionEnd, ActionDisable:
			default:
				return nil, configErrorf(InvalidValue, r.Tag, "unknown action %s", a)
			}
		}
	}
	if t.maxJumps <= 0 {
		t.maxJumps = defaultMaxJumps
		if len(rules) > t.maxJumps {
			t.maxJumps = len(rules)
		}
	}
	return t, nil
}

// Evaluate runs the rule table for one query. The result of the last Query
// action is returned when evaluation ends, explicitly or by running out of
// actions. Errors from that query are returned as-is. The query must have
// exactly one question.
func (t *Table) Evaluate(ctx context.Context, q *dns.Msg, ci ClientInfo) (Result, error) {
	var (
		pending *Result
		lastErr error
		jumps   int
		current = EntryRule
	)
	finish := func() (Result, error) {
		if pending == nil {
			return Result{}, resolutionError(NoResult, current, q, nil)
		}
		if lastErr != nil {
			return Result{}, lastErr
		}
		if pending.Msg == nil {
			return Result{}, resolutionError(NoResult, pending.Upstream, q, nil)
		}
		return *pending, nil
	}

	if len(q.Question) != 1 {
		return Result{}, resolutionError(Protocol, current, q, fmt.Errorf("expected one question, got %d", len(q.Question)))
	}

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		rule := t.rules[current]
		log := logger(current, q, ci)

		actions := rule.Then
		if !rule.If.Match(q, ci) {
			if rule.Else == nil {
				log.WithField("condition", rule.If).Debug("no match")
				return Result{}, resolutionError(NoMatch, current, q, nil)
			}
			actions = rule.Else
		}

		next := ""
	steps:
		for _, a := range actions {
			switch a.Kind {
			case ActionQuery:
				if err := ctx.Err(); err != nil {
					return Result{}, err
				}
				sent := q
				if a.QType != 0 && a.QType != q.Question[0].Qtype {
					sent = withQType(q, a.QType)
				}
				log.WithFields(logrus.Fields{"upstream": a.Tag, "qtype": qType(sent)}).Debug("querying")
				msg, err := t.query(ctx, a.Tag, sent, ci)
				pending = &Result{Msg: msg, Upstream: a.Tag, Query: sent}
				lastErr = err
			case ActionJump:
				next = a.Tag
				break steps
			case ActionEnd:
				return finish()
			case ActionDisable:
				log.Debug("refusing query")
				return Result{Msg: refused(q), Query: q}, nil
			}
		}

		// Falling off the end of the action list without a jump ends the evaluation
		if next == "" {
			return finish()
		}
		jumps++
		if jumps > t.maxJumps {
			log.WithField("jumps", jumps).Warn("rule loop detected")
			return Result{}, resolutionError(RuleLoop, current, q, fmt.Errorf("more than %d jumps", t.maxJumps))
		}
		log.WithField("next", next).Debug("jumping")
		current = next
	}
}

func (t *Table) query(ctx context.Context, tag string, q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	resolver, err := t.upstreams.Lookup(tag)
	if err != nil {
		return nil, err
	}
	return resolver.Resolve(ctx, q, ci)
}

// Rules returns the rule tags in the order they were defined.
func (t *Table) Rules() []string {
	return append([]string(nil), t.order...)
}
