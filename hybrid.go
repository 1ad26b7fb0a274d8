package ruledns

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Hybrid is a resolver group that queries all resolvers concurrently for
// the same query, then returns the fastest successful response only.
type Hybrid struct {
	id        string
	resolvers []Resolver
}

var _ Resolver = &Hybrid{}

var errServerFailure = errors.New("server failure")

// NewHybrid returns a new instance of a resolver group that races its members.
func NewHybrid(id string, resolvers ...Resolver) *Hybrid {
	return &Hybrid{
		id:        id,
		resolvers: resolvers,
	}
}

// Resolve a DNS query by sending it to all resolvers and returning the fastest
// non-error response. Responses with SERVFAIL are counted as failures. The
// remaining requests are cancelled once a response was picked. If every
// resolver fails, the failure that came back first is returned as an error,
// with ties going to the resolver whose name sorts first.
func (r *Hybrid) Resolve(ctx context.Context, q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	log := logger(r.id, q, ci)
	if len(r.resolvers) == 0 {
		return nil, resolutionError(NoResult, r.id, q, nil)
	}

	type response struct {
		r       Resolver
		a       *dns.Msg
		err     error
		elapsed time.Duration
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Send the query to all resolvers. The responses are collected in a buffered channel
	// so abandoned requests never block.
	responseCh := make(chan response, len(r.resolvers))
	start := time.Now()
	for _, resolver := range r.resolvers {
		resolver := resolver
		go func() {
			a, err := resolver.Resolve(ctx, q, ci)
			responseCh <- response{resolver, a, err, time.Since(start)}
		}()
	}

	// Wait for responses, the first one that is successful is returned while the remaining open requests
	// are abandoned.
	var failure *response
	for i := 0; i < len(r.resolvers); i++ {
		var resp response
		select {
		case resp = <-responseCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if resp.err == nil && resp.a != nil && resp.a.Rcode != dns.RcodeServerFailure {
			log.WithField("resolver", resp.r.String()).Debug("using response from resolver")
			return resp.a, nil
		}
		log.WithFields(logrus.Fields{
			"resolver": resp.r.String(),
			"error":    resp.err,
		}).Debug("resolver returned failure, waiting for next response")

		if failure == nil || earlierFailure(resp.elapsed, resp.r.String(), failure.elapsed, failure.r.String()) {
			resp := resp
			failure = &resp
		}
	}
	switch {
	case failure.err != nil:
		return nil, failure.err
	case failure.a == nil:
		return nil, resolutionError(NoResult, failure.r.String(), q, nil)
	default:
		return nil, resolutionError(Network, failure.r.String(), q, errServerFailure)
	}
}

func (r *Hybrid) String() string {
	return r.id
}

// Orders failures by elapsed time, then by resolver name.
func earlierFailure(elapsed time.Duration, id string, otherElapsed time.Duration, otherID string) bool {
	if elapsed != otherElapsed {
		return elapsed < otherElapsed
	}
	return id < otherID
}
