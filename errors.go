package ruledns

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// ConfigKind classifies configuration errors found while building the engine.
type ConfigKind int

const (
	UnknownUpstream ConfigKind = iota
	DuplicateTag
	MissingEntryRule
	HybridCycle
	UnknownRule
	InvalidValue
)

var configKindNames = map[ConfigKind]string{
	UnknownUpstream:  "unknown upstream",
	DuplicateTag:     "duplicate tag",
	MissingEntryRule: "missing entry rule",
	HybridCycle:      "hybrid cycle",
	UnknownRule:      "unknown rule",
	InvalidValue:     "invalid value",
}

func (k ConfigKind) String() string {
	if s, ok := configKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ConfigKind(%d)", int(k))
}

// ConfigError is returned when the rule table or the upstream set is invalid. It
// is fatal, the engine must not be started with a configuration that produced one.
type ConfigError struct {
	Kind   ConfigKind
	Tag    string
	Detail string
}

func (e *ConfigError) Error() string {
	msg := e.Kind.String()
	if e.Tag != "" {
		msg = fmt.Sprintf("%s '%s'", msg, e.Tag)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	return msg
}

func configErrorf(kind ConfigKind, tag, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Kind: kind, Tag: tag, Detail: fmt.Sprintf(format, args...)}
}

// ResolutionKind classifies per-query failures.
type ResolutionKind int

const (
	Timeout ResolutionKind = iota + 1
	Refused
	Network
	Protocol
	NoMatch
	NoResult
	RuleLoop
)

var resolutionKindNames = map[ResolutionKind]string{
	Timeout:  "timeout",
	Refused:  "refused",
	Network:  "network",
	Protocol: "protocol",
	NoMatch:  "no match",
	NoResult: "no result",
	RuleLoop: "rule loop",
}

func (k ResolutionKind) String() string {
	if s, ok := resolutionKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ResolutionKind(%d)", int(k))
}

// ResolutionError is returned by resolvers, the rule table and the engine when a
// single query could not be answered. Upstream is the tag of the resolver or the
// rule that produced it.
type ResolutionError struct {
	Kind     ResolutionKind
	Upstream string
	Query    string
	Err      error
}

func (e *ResolutionError) Error() string {
	msg := e.Kind.String()
	if e.Query != "" {
		msg = fmt.Sprintf("%s for '%s'", msg, e.Query)
	}
	if e.Upstream != "" {
		msg = fmt.Sprintf("%s from %s", msg, e.Upstream)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func resolutionError(kind ResolutionKind, id string, q *dns.Msg, err error) *ResolutionError {
	return &ResolutionError{Kind: kind, Upstream: id, Query: qName(q), Err: err}
}

// ErrorKind returns the kind of the first ResolutionError in the chain, or 0 if
// there is none.
func ErrorKind(err error) ResolutionKind {
	var rerr *ResolutionError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return 0
}

// QueryTimeoutError is returned when a query times out.
type QueryTimeoutError struct {
	query *dns.Msg
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query for '%s' timed out", qName(e.query))
}

// Converts an error from a transport into a ResolutionError. Cancellation by
// the caller is passed through unchanged.
func classifyError(id string, q *dns.Msg, err error) error {
	var rerr *ResolutionError
	if errors.As(err, &rerr) {
		if rerr.Upstream == "" {
			rerr.Upstream = id
		}
		return rerr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var (
		terr QueryTimeoutError
		nerr net.Error
	)
	if errors.As(err, &terr) || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return resolutionError(Timeout, id, q, err)
	}
	return resolutionError(Network, id, q, err)
}

// Turns a REFUSED response from an upstream into an error so that it is never
// picked over a usable answer.
func checkResponse(id string, q, a *dns.Msg) error {
	if a != nil && a.Rcode == dns.RcodeRefused {
		return resolutionError(Refused, id, q, nil)
	}
	return nil
}
