package ruledns

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// Condition decides whether a rule applies to a query.
type Condition interface {
	Match(q *dns.Msg, ci ClientInfo) bool
	fmt.Stringer
}

// Any is the condition that matches every query.
var Any Condition = anyCondition{}

type anyCondition struct{}

func (anyCondition) Match(*dns.Msg, ClientInfo) bool { return true }

func (anyCondition) String() string { return "any" }

// TypeCondition matches queries for any of a set of record types.
type TypeCondition struct {
	types []uint16
}

var _ Condition = &TypeCondition{}

// NewTypeCondition returns a condition matching the given record types, for
// example "A" or "AAAA".
func NewTypeCondition(types ...string) (*TypeCondition, error) {
	if len(types) == 0 {
		return nil, configErrorf(InvalidValue, "", "qtype condition without types")
	}
	c := new(TypeCondition)
	for _, s := range types {
		t, err := StringToType(s)
		if err != nil {
			return nil, err
		}
		c.types = append(c.types, t)
	}
	return c, nil
}

func (c *TypeCondition) Match(q *dns.Msg, ci ClientInfo) bool {
	if len(q.Question) == 0 {
		return false
	}
	qtype := q.Question[0].Qtype
	for _, t := range c.types {
		if t == qtype {
			return true
		}
	}
	return false
}

func (c *TypeCondition) String() string {
	s := make([]string, 0, len(c.types))
	for _, t := range c.types {
		s = append(s, dns.Type(t).String())
	}
	return fmt.Sprintf("qtype(%s)", strings.Join(s, ","))
}

// SourceCondition matches queries by the client address.
type SourceCondition struct {
	nets []*net.IPNet
}

var _ Condition = &SourceCondition{}

// NewSourceCondition returns a condition matching clients in any of the
// given networks in CIDR notation.
func NewSourceCondition(cidrs ...string) (*SourceCondition, error) {
	if len(cidrs) == 0 {
		return nil, configErrorf(InvalidValue, "", "source condition without networks")
	}
	c := new(SourceCondition)
	for _, s := range cidrs {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, configErrorf(InvalidValue, "", "%s", err)
		}
		c.nets = append(c.nets, n)
	}
	return c, nil
}

func (c *SourceCondition) Match(q *dns.Msg, ci ClientInfo) bool {
	if ci.SourceIP == nil {
		return false
	}
	for _, n := range c.nets {
		if n.Contains(ci.SourceIP) {
			return true
		}
	}
	return false
}

func (c *SourceCondition) String() string {
	s := make([]string, 0, len(c.nets))
	for _, n := range c.nets {
		s = append(s, n.String())
	}
	return fmt.Sprintf("source(%s)", strings.Join(s, ","))
}

// Not inverts a condition.
func Not(c Condition) Condition {
	return notCondition{c}
}

type notCondition struct {
	c Condition
}

func (n notCondition) Match(q *dns.Msg, ci ClientInfo) bool {
	return !n.c.Match(q, ci)
}

func (n notCondition) String() string {
	return fmt.Sprintf("not(%s)", n.c)
}
