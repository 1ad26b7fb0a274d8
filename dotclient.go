package ruledns

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DoTClient is a DNS-over-TLS resolver.
type DoTClient struct {
	id       string
	endpoint string
	pipeline *Pipeline
}

// DoTClientOptions contains options used by the DNS-over-TLS resolver.
type DoTClientOptions struct {
	// Bootstrap address - IP to use for the serivce instead of looking up
	// the service's hostname with potentially plain DNS.
	BootstrapAddr string

	// Local IP to use for outbound connections. If nil, a local address is chosen.
	LocalAddr net.IP

	TLSConfig *tls.Config

	// Name the server certificate is verified against. Defaults to the host part
	// of the endpoint.
	ServerName string

	// Omit the SNI extension from the handshake. The certificate is still
	// verified against ServerName.
	NoSNI bool

	QueryTimeout time.Duration
}

var _ Resolver = &DoTClient{}

// NewDoTClient instantiates a new DNS-over-TLS resolver.
func NewDoTClient(id, endpoint string, opt DoTClientOptions) (*DoTClient, error) {
	if err := validEndpoint(endpoint); err != nil {
		return nil, errors.Wrapf(err, "invalid dot endpoint '%s'", endpoint)
	}
	host, port, _ := net.SplitHostPort(endpoint)
	serverName := opt.ServerName
	if serverName == "" {
		serverName = host
	}

	// If a bootstrap address was provided, we need to use the IP for the connection but the
	// hostname in the TLS handshake.
	addr := endpoint
	if opt.BootstrapAddr != "" {
		addr = net.JoinHostPort(opt.BootstrapAddr, port)
	}
	dialer := &dotDialer{
		tlsConfig: upstreamTLSConfig(opt.TLSConfig, serverName, opt.NoSNI),
		dialer: &net.Dialer{
			LocalAddr: localTCPAddr(opt.LocalAddr),
		},
		timeout: opt.QueryTimeout,
	}
	return &DoTClient{
		id:       id,
		endpoint: endpoint,
		pipeline: NewPipeline(id, addr, dialer, opt.QueryTimeout),
	}, nil
}

// Resolve a DNS query.
func (d *DoTClient) Resolve(ctx context.Context, q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	// Packing a message is not always a read-only operation, make a copy
	q = q.Copy()
	logger(d.id, q, ci).WithFields(logrus.Fields{
		"resolver": d.endpoint,
		"protocol": "dot",
	}).Debug("querying upstream resolver")

	// Add padding to the query before sending over TLS
	padQuery(q)
	a, err := d.pipeline.Resolve(ctx, q)
	if err != nil {
		return nil, classifyError(d.id, q, err)
	}
	if err := checkResponse(d.id, q, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (d *DoTClient) String() string {
	return d.id
}

// Opens pipeline connections using TLS. The handshake is performed with the
// upstream config as-is, see tlsDial.
type dotDialer struct {
	tlsConfig *tls.Config
	dialer    *net.Dialer
	timeout   time.Duration
}

func (d *dotDialer) Dial(address string) (*dns.Conn, error) {
	timeout := d.timeout
	if timeout == 0 {
		timeout = defaultQueryTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, err := tlsDial(ctx, d.dialer, "tcp", address, d.tlsConfig)
	if err != nil {
		return nil, err
	}
	return &dns.Conn{Conn: conn}, nil
}

func localTCPAddr(ip net.IP) net.Addr {
	if ip == nil {
		return nil
	}
	return &net.TCPAddr{IP: ip}
}
