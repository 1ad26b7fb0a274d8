package ruledns

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DNSClient represents a simple DNS resolver for UDP or TCP.
type DNSClient struct {
	id       string
	endpoint string
	net      string
	pipeline *Pipeline
}

// DNSClientOptions contains options used by the plain DNS resolver.
type DNSClientOptions struct {
	// Local IP to use for outbound connections. If nil, a local address is chosen.
	LocalAddr net.IP

	QueryTimeout time.Duration
}

var _ Resolver = &DNSClient{}

// NewDNSClient returns a new instance of DNSClient which is a plain DNS resolver
// that supports pipelining over a single connection.
func NewDNSClient(id, endpoint, network string, opt DNSClientOptions) (*DNSClient, error) {
	if err := validEndpoint(endpoint); err != nil {
		return nil, errors.Wrapf(err, "invalid %s endpoint '%s'", network, endpoint)
	}
	client := &dns.Client{
		Net:     network,
		Timeout: opt.QueryTimeout,
	}
	if opt.LocalAddr != nil {
		client.Dialer = &net.Dialer{}
		switch network {
		case "udp":
			client.Dialer.LocalAddr = &net.UDPAddr{IP: opt.LocalAddr}
		default:
			client.Dialer.LocalAddr = &net.TCPAddr{IP: opt.LocalAddr}
		}
	}
	return &DNSClient{
		id:       id,
		net:      network,
		endpoint: endpoint,
		pipeline: NewPipeline(id, endpoint, client, opt.QueryTimeout),
	}, nil
}

// Resolve a DNS query.
func (d *DNSClient) Resolve(ctx context.Context, q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	logger(d.id, q, ci).WithFields(logrus.Fields{
		"resolver": d.endpoint,
		"protocol": d.net,
	}).Debug("querying upstream resolver")
	a, err := d.pipeline.Resolve(ctx, q)
	if err != nil {
		return nil, classifyError(d.id, q, err)
	}
	if err := checkResponse(d.id, q, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (d *DNSClient) String() string {
	return d.id
}
