package ruledns

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// Timeout used for upstreams that don't define one.
const DefaultUpstreamTimeout = 5 * time.Second

// TimeoutResolver enforces the configured timeout of one upstream. Queries that
// take longer fail with a Timeout error even if the wrapped resolver does not
// stop on context cancellation, its late answer is discarded.
type TimeoutResolver struct {
	id       string
	resolver Resolver
	timeout  time.Duration
}

var _ Resolver = &TimeoutResolver{}

// NewTimeoutResolver wraps a resolver. A zero timeout uses DefaultUpstreamTimeout.
func NewTimeoutResolver(id string, resolver Resolver, timeout time.Duration) *TimeoutResolver {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	return &TimeoutResolver{
		id:       id,
		resolver: resolver,
		timeout:  timeout,
	}
}

// Resolve a DNS query with the upstream's timeout applied.
func (r *TimeoutResolver) Resolve(ctx context.Context, q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type response struct {
		a   *dns.Msg
		err error
	}
	responseCh := make(chan response, 1)
	metrics.upstreamQuery(r.id)
	go func() {
		a, err := r.resolver.Resolve(ctx, q, ci)
		responseCh <- response{a, err}
	}()

	var (
		a   *dns.Msg
		err error
	)
	select {
	case resp := <-responseCh:
		a, err = resp.a, resp.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		err = classifyError(r.id, q, err)
		metrics.upstreamError(r.id, err)
		logger(r.id, q, ci).WithError(err).Debug("upstream failed")
		return nil, err
	}
	metrics.upstreamResponse(r.id, a)
	return a, nil
}

func (r *TimeoutResolver) String() string {
	return r.id
}
