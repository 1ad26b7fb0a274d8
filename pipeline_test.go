package ruledns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

type testDialer func(address string) (*dns.Conn, error)

func (d testDialer) Dial(address string) (*dns.Conn, error) {
	return d(address)
}

// Starts a plain DNS server on a random local port and returns its address.
func startTestServer(t *testing.T, network string, h dns.HandlerFunc) string {
	t.Helper()
	started := make(chan struct{})
	srv := &dns.Server{Handler: h, NotifyStartedFunc: func() { close(started) }}
	var addr string
	switch network {
	case "udp":
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		srv.PacketConn = pc
		addr = pc.LocalAddr().String()
	default:
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		srv.Listener = l
		addr = l.Addr().String()
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return addr
}

// Handler answering every query with a fixed A record.
func answerHandler(w dns.ResponseWriter, q *dns.Msg) {
	_ = w.WriteMsg(answerA(q, 300))
}

func TestPipelineQueryTimeout(t *testing.T) {
	df := func(address string) (*dns.Conn, error) {
		time.Sleep(2 * time.Second)
		return nil, errors.New("failed")
	}
	timeout := 100 * time.Millisecond
	p := NewPipeline("test", "localhost:53", testDialer(df), timeout)
	q := newQuery("example.com.", dns.TypeA)

	// First one starts the connection, the second can't be queued
	for i := 0; i < 2; i++ {
		start := time.Now()
		_, err := p.Resolve(context.Background(), q)
		require.ErrorAs(t, err, &QueryTimeoutError{})
		require.WithinDuration(t, start.Add(timeout), time.Now(), 50*time.Millisecond)
	}
}

func TestPipelineCancel(t *testing.T) {
	df := func(address string) (*dns.Conn, error) {
		time.Sleep(time.Second)
		return nil, errors.New("failed")
	}
	p := NewPipeline("test", "localhost:53", testDialer(df), time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Resolve(ctx, newQuery("example.com.", dns.TypeA))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipelineDialFailure(t *testing.T) {
	df := func(address string) (*dns.Conn, error) {
		return nil, errTest
	}
	p := NewPipeline("test", "localhost:53", testDialer(df), time.Second)
	_, err := p.Resolve(context.Background(), newQuery("example.com.", dns.TypeA))
	require.ErrorIs(t, err, errTest)
}

func TestPipelineMultipleQueries(t *testing.T) {
	addr := startTestServer(t, "tcp", answerHandler)
	p := NewPipeline("test", addr, &dns.Client{Net: "tcp"}, time.Second)

	errs := make(chan error)
	for i := 0; i < 10; i++ {
		go func(i int) {
			q := newQuery("example.com.", dns.TypeA)
			q.Id = uint16(i)
			a, err := p.Resolve(context.Background(), q)
			if err == nil && a.Id != q.Id {
				err = errors.New("wrong id in answer")
			}
			errs <- err
		}(i)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-errs)
	}
}

func TestPipelineWrongAnswer(t *testing.T) {
	addr := startTestServer(t, "tcp", func(w dns.ResponseWriter, q *dns.Msg) {
		a := answerA(q, 300)
		a.Question[0].Name = "other.com."
		_ = w.WriteMsg(a)
	})
	p := NewPipeline("test", addr, &dns.Client{Net: "tcp"}, time.Second)
	_, err := p.Resolve(context.Background(), newQuery("example.com.", dns.TypeA))
	require.Equal(t, Protocol, ErrorKind(err))
}

func TestDNSClient(t *testing.T) {
	for _, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			addr := startTestServer(t, network, answerHandler)
			c, err := NewDNSClient("test-dns", addr, network, DNSClientOptions{})
			require.NoError(t, err)

			a, err := c.Resolve(context.Background(), newQuery("example.com.", dns.TypeA), ClientInfo{})
			require.NoError(t, err)
			require.Len(t, a.Answer, 1)
		})
	}
}

func TestDNSClientRefused(t *testing.T) {
	addr := startTestServer(t, "udp", func(w dns.ResponseWriter, q *dns.Msg) {
		_ = w.WriteMsg(refused(q))
	})
	c, err := NewDNSClient("test-dns", addr, "udp", DNSClientOptions{})
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), newQuery("example.com.", dns.TypeA), ClientInfo{})
	require.Equal(t, Refused, ErrorKind(err))
}
