package ruledns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Defines how long to wait for a response from the resolver if no timeout is given.
const defaultQueryTimeout = 5 * time.Second

// Dialer opens connections for a Pipeline.
type Dialer interface {
	Dial(address string) (*dns.Conn, error)
}

// Pipeline is a DNS client that is able to use pipelining for multiple requests over
// one connection, handle out-of-order responses and deals with disconnects
// gracefully. It opens a single connection on demand and uses it for all queries.
type Pipeline struct {
	id       string
	addr     string
	client   Dialer
	requests chan *request
	timeout  time.Duration
}

// NewPipeline returns an initialized (and running) DNS connection manager.
func NewPipeline(id, addr string, client Dialer, timeout time.Duration) *Pipeline {
	if timeout == 0 {
		timeout = defaultQueryTimeout
	}
	c := &Pipeline{
		id:       id,
		addr:     addr,
		client:   client,
		requests: make(chan *request),
		timeout:  timeout,
	}
	go c.start()
	return c
}

// Resolve a single query using this connection.
func (c *Pipeline) Resolve(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	r := newRequest(q)

	timeout := time.NewTimer(c.timeout)
	defer timeout.Stop()

	// Queue up the request
	select {
	case c.requests <- r:
	case <-timeout.C:
		return nil, QueryTimeoutError{q}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Wait for the request to complete or time out
	select {
	case <-r.done:
	case <-timeout.C:
		return nil, QueryTimeoutError{q}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return r.waitFor()
}

// Starts a loop that will wait for queries and open an upstream connection on-demand, writing queries
// and reading answers concurrently using the same connection. It also handles errors like idle
// close from upstream.
func (c *Pipeline) start() {
	var (
		wg       sync.WaitGroup
		inFlight inFlightQueue
	)
	log := Log.WithFields(logrus.Fields{"id": c.id, "resolver": c.addr})
	for req := range c.requests { // Lazy connection. Only open a real connection if there's a request
		done := make(chan struct{})
		log.Debug("opening connection")
		conn, err := c.client.Dial(c.addr)
		if err != nil {
			log.WithError(err).Warn("failed to open connection")
			req.markDone(nil, err)
			continue
		}
		wg.Add(2)

		go func(req *request) { c.requests <- req }(req) // re-queue the request that triggered the upstream connection

		go func() { // writer
			defer wg.Done()
			for {
				select {
				case req := <-c.requests:
					query := inFlight.add(req)
					if err := conn.WriteMsg(query); err != nil {
						req.markDone(nil, err) // fail the request
						inFlight.get(query)    // clean up the in-flight queue to it doesn't keep growing
						conn.Close()           // throw away this connection, should wake up the reader as well
						log.WithError(err).Debug("failed to send query")
						return
					}
				case <-done: // the reader ran into an error and we want to stop using this connection
					return
				}
			}
		}()
		go func() { // reader
			defer wg.Done()
			for {
				a, err := conn.ReadMsg()
				if err != nil {
					close(done) // tell the writer to not use this connection anymore
					conn.Close()
					inFlight.drain(err)
					log.Debug("connection terminated")
					return
				}
				req := inFlight.get(a) // match the answer to an in-flight query
				if req == nil {
					log.WithField("qid", a.Id).Debug("unexpected answer received")
					continue
				}
				req.markDone(a, nil)
			}
		}()

		// wait for both, sender and receiver to terminate before trying to reconnect
		wg.Wait()
	}
}

// Request received from a client. It also contains the response and a channel that is
// closed when the request is done.
type request struct {
	q, a *dns.Msg
	err  error
	done chan struct{}
	once sync.Once
}

func newRequest(q *dns.Msg) *request {
	return &request{
		q:    q,
		done: make(chan struct{}),
	}
}

// Wait for the request to be completed and return the answer.
func (r *request) waitFor() (*dns.Msg, error) {
	<-r.done

	if r.err == nil {
		// As per https://tools.ietf.org/html/rfc7858#section-3.3, we need to double check this
		// really is the correct response.
		if err := questionMatches(r.q, r.a); err != nil {
			return nil, err
		}
	}

	return r.a, r.err
}

// Mark the request as complete.
func (r *request) markDone(a *dns.Msg, err error) {
	r.once.Do(func() {
		if a != nil {
			a.Id = r.q.Id // Fix the query ID in the answer to match the query
		}
		r.a = a
		r.err = err
		close(r.done)
	})
}

// Returns an error if the question in the answer is not the one that was asked.
func questionMatches(q, a *dns.Msg) error {
	if len(a.Question) == 0 || len(q.Question) == 0 {
		return nil
	}
	qq := q.Question[0]
	aq := a.Question[0]
	if !equalName(aq.Name, qq.Name) || aq.Qclass != qq.Qclass || aq.Qtype != qq.Qtype {
		return &ResolutionError{
			Kind:  Protocol,
			Query: qq.Name,
			Err:   fmt.Errorf("expected answer for %s, got %s", qq.String(), aq.String()),
		}
	}
	return nil
}

func equalName(a, b string) bool {
	return dns.CanonicalName(a) == dns.CanonicalName(b)
}

// Queue to manage requests that are in flight. Used to asynchronously match received
// responses with their requests.
type inFlightQueue struct {
	requests  map[uint16]*request
	mu        sync.Mutex
	idCounter uint16
}

// Add a request to the queue and return an updated DNS query with a new ID. The ID needs
// to be unique per connection, and we could be receiving multiple queries with the same
// ID. So make up a new ID, used that in the query upstream, then map it back to the
// request and replace the ID with the original one.
func (q *inFlightQueue) add(r *request) *dns.Msg {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.requests == nil {
		q.requests = make(map[uint16]*request)
	}
	q.idCounter++
	q.requests[q.idCounter] = r
	query := r.q.Copy()
	query.Id = q.idCounter
	return query
}

// Returns the request for a given query ID, or nil if the request isn't in the queue. The
// request is removed from the queue.
func (q *inFlightQueue) get(a *dns.Msg) *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := a.Id
	r, ok := q.requests[id]
	if !ok {
		return nil
	}
	delete(q.requests, id)
	return r
}

// Fails all requests still waiting for an answer on a connection that went away.
func (q *inFlightQueue) drain(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		err = errors.New("connection closed")
	}
	for id, r := range q.requests {
		r.markDone(nil, err)
		delete(q.requests, id)
	}
}
