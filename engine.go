package ruledns

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Engine answers queries from the cache or by evaluating the rule table and
// caching the result. It is safe for concurrent use.
type Engine struct {
	EngineOptions
	table *Table
	cache *Cache
	sem   *semaphore.Weighted
}

type EngineOptions struct {
	// Answer AAAA queries locally with an empty response carrying a fixed SOA.
	DisableIPv6 bool

	// Maximum number of rule table evaluations at the same time. Additional
	// queries wait until a slot is available or their context is done. Cache
	// hits don't need a slot. 0 means no limit.
	MaxConcurrent int64

	// Query name that causes the cache to be flushed when received.
	FlushQuery string
}

// NewEngine returns an engine for a validated table. The cache is optional.
func NewEngine(table *Table, cache *Cache, opt EngineOptions) *Engine {
	e := &Engine{
		EngineOptions: opt,
		table:         table,
		cache:         cache,
	}
	if opt.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(opt.MaxConcurrent)
	}
	return e
}

// Handle resolves one query. The query is never modified, the returned
// response carries the query ID. Failures are returned as errors and nothing
// is cached for them.
func (e *Engine) Handle(ctx context.Context, q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	if q == nil || len(q.Question) != 1 {
		n := 0
		if q != nil {
			n = len(q.Question)
		}
		return nil, resolutionError(Protocol, "engine", q, fmt.Errorf("expected one question, got %d", n))
	}
	log := logger("engine", q, ci)

	if e.FlushQuery != "" && e.cache != nil && equalName(q.Question[0].Name, e.FlushQuery) {
		log.Info("flushing cache")
		e.cache.Flush()
		a := new(dns.Msg)
		a.SetReply(q)
		return a, nil
	}

	if e.DisableIPv6 && q.Question[0].Qtype == dns.TypeAAAA {
		log.Debug("ipv6 disabled, answering with soa")
		return soaResponse(q), nil
	}

	if e.cache != nil {
		if a, ok := e.cache.Get(q); ok {
			log.Debug("cache-hit")
			return a, nil
		}
		log.Debug("cache-miss")
	}

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer e.sem.Release(1)
	}
	res, err := e.table.Evaluate(ctx, q, ci)
	metrics.tableResult(err)
	if err != nil {
		log.WithError(err).Debug("table evaluation failed")
		return nil, err
	}

	// Responses generated by the table itself, like REFUSED for disabled
	// queries, are not cached.
	if e.cache != nil && res.Upstream != "" {
		e.cache.Put(res.Query, res.Msg)
	}

	a := res.Msg.Copy()
	if res.Query != q {
		// The answer is for a derived query, hand it back with the question
		// the client asked.
		a.Question = []dns.Question{q.Question[0]}
	}
	a.Id = q.Id
	log.WithFields(logrus.Fields{"upstream": res.Upstream, "rcode": rCode(a)}).Debug("resolved")
	return a, nil
}
