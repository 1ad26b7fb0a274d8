package ruledns

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// DomainCondition matches query names against a list of domains. Matching
// logic:
// domain.com: matches just domain.com and not subdomains
// .domain.com: matches domain.com and all subdomains
// *.domain.com: matches all subdomains but not domain.com
type DomainCondition struct {
	root  *domainNode
	rules int
}

type domainNode struct {
	children map[string]*domainNode
	exact    bool // the name itself
	withSubs bool // the name and everything below it
	subsOnly bool // everything below the name
}

var _ Condition = &DomainCondition{}

// NewDomainCondition returns a condition matching the given domain rules.
func NewDomainCondition(rules ...string) (*DomainCondition, error) {
	if len(rules) == 0 {
		return nil, configErrorf(InvalidValue, "", "domain condition without domains")
	}
	root := newDomainNode()
	for _, r := range rules {
		r = strings.ToLower(strings.TrimSpace(r))
		// Strip trailing . in case the list has FQDN names with . suffixes.
		r = strings.TrimSuffix(r, ".")

		var withSubs, subsOnly bool
		switch {
		case strings.HasPrefix(r, "*."):
			subsOnly = true
			r = r[2:]
		case strings.HasPrefix(r, "."):
			withSubs = true
			r = r[1:]
		}
		if r == "" {
			return nil, configErrorf(InvalidValue, "", "invalid domain rule '%s'", r)
		}

		// Break up the domain into its parts and iterare backwards over them, building
		// a tree of nodes
		parts := strings.Split(r, ".")
		n := root
		for i := len(parts) - 1; i >= 0; i-- {
			part := parts[i]
			if part == "" || strings.Contains(part, "*") {
				return nil, configErrorf(InvalidValue, "", "invalid domain rule '%s'", r)
			}
			sub, ok := n.children[part]
			if !ok {
				sub = newDomainNode()
				n.children[part] = sub
			}
			n = sub
		}
		switch {
		case withSubs:
			n.withSubs = true
		case subsOnly:
			n.subsOnly = true
		default:
			n.exact = true
		}
	}
	return &DomainCondition{root: root, rules: len(rules)}, nil
}

func newDomainNode() *domainNode {
	return &domainNode{children: make(map[string]*domainNode)}
}

func (c *DomainCondition) Match(q *dns.Msg, ci ClientInfo) bool {
	if len(q.Question) == 0 {
		return false
	}
	return c.matchName(q.Question[0].Name)
}

func (c *DomainCondition) matchName(name string) bool {
	s := strings.TrimSuffix(strings.ToLower(name), ".")
	if s == "" {
		return false
	}
	parts := strings.Split(s, ".")
	n := c.root
	for i := len(parts) - 1; i >= 0; i-- {
		sub, ok := n.children[parts[i]]
		if !ok {
			return false
		}
		n = sub
		if n.withSubs { // exact and sub-domain match
			return true
		}
		if n.subsOnly && i > 0 { // wildcard match on sub-domains
			return true
		}
	}
	return n.exact
}

func (c *DomainCondition) String() string {
	return fmt.Sprintf("domain(%d rules)", c.rules)
}
