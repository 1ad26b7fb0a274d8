package ruledns

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jtacoma/uritemplates"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// DoHClientOptions contains options used by the DNS-over-HTTP resolver.
type DoHClientOptions struct {
	// Query method, either GET or POST. If empty, POST is used.
	Method string

	// Bootstrap address - IP to use for the service instead of looking up
	// the service's hostname with potentially plain DNS.
	BootstrapAddr string

	// Local IP to use for outbound connections. If nil, a local address is chosen.
	LocalAddr net.IP

	TLSConfig *tls.Config

	// Name the server certificate is verified against. Defaults to the host in
	// the endpoint URL.
	ServerName string

	// Omit the SNI extension from the handshake. The certificate is still
	// verified against ServerName.
	NoSNI bool

	QueryTimeout time.Duration
}

// DoHClient is a DNS-over-HTTP resolver with support fot HTTP/2.
type DoHClient struct {
	id       string
	endpoint string
	template *uritemplates.UriTemplate
	client   *http.Client
	opt      DoHClientOptions
}

var _ Resolver = &DoHClient{}

// NewDoHClient returns a DNS-over-HTTPS resolver. The endpoint is a URL, or a
// URI template with a "dns" variable for GET requests.
func NewDoHClient(id, endpoint string, opt DoHClientOptions) (*DoHClient, error) {
	// Parse the URL template
	template, err := uritemplates.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid doh endpoint '%s'", endpoint)
	}
	base, err := template.Expand(map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid doh endpoint '%s'", endpoint)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("doh endpoint '%s' is not https", endpoint)
	}

	if opt.Method == "" {
		opt.Method = "POST"
	}
	if opt.Method != "POST" && opt.Method != "GET" {
		return nil, fmt.Errorf("unsupported method '%s'", opt.Method)
	}
	if opt.ServerName == "" {
		opt.ServerName = u.Hostname()
	}

	tr, err := dohTransport(opt)
	if err != nil {
		return nil, err
	}

	return &DoHClient{
		id:       id,
		endpoint: endpoint,
		template: template,
		client: &http.Client{
			Transport: tr,
			Timeout:   opt.QueryTimeout,
		},
		opt: opt,
	}, nil
}

// Resolve a DNS query.
func (d *DoHClient) Resolve(ctx context.Context, q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	q = q.Copy()
	logger(d.id, q, ci).WithFields(logrus.Fields{
		"resolver": d.endpoint,
		"protocol": "doh",
		"method":   d.opt.Method,
	}).Debug("querying upstream resolver")

	// Add padding before sending the query over HTTPS
	padQuery(q)

	// The ID should be 0 in DoH, see rfc8484, 4.1
	id := q.Id
	q.Id = 0

	var (
		a   *dns.Msg
		err error
	)
	switch d.opt.Method {
	case "POST":
		a, err = d.ResolvePOST(ctx, q)
	case "GET":
		a, err = d.ResolveGET(ctx, q)
	}
	if err != nil {
		return nil, classifyError(d.id, q, err)
	}
	a.Id = id
	if err := questionMatches(q, a); err != nil {
		return nil, classifyError(d.id, q, err)
	}
	if err := checkResponse(d.id, q, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ResolvePOST resolves a DNS query via DNS-over-HTTP using the POST method.
func (d *DoHClient) ResolvePOST(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	// Pack the DNS query into wire format
	b, err := q.Pack()
	if err != nil {
		return nil, resolutionError(Protocol, d.id, q, err)
	}
	// The URL could be a template. Process it without values since POST doesn't use variables in the URL.
	u, err := d.template.Expand(map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Add("accept", "application/dns-message")
	req.Header.Add("content-type", "application/dns-message")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return d.responseFromHTTP(q, resp)
}

// ResolveGET resolves a DNS query via DNS-over-HTTP using the GET method.
func (d *DoHClient) ResolveGET(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	// Pack the DNS query into wire format
	b, err := q.Pack()
	if err != nil {
		return nil, resolutionError(Protocol, d.id, q, err)
	}
	// Encode the query as base64url without padding
	b64 := base64.RawURLEncoding.EncodeToString(b)

	// The URL must be a template. Process it with the "dns" param containing the encoded query.
	u, err := d.template.Expand(map[string]interface{}{"dns": b64})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("accept", "application/dns-message")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return d.responseFromHTTP(q, resp)
}

func (d *DoHClient) String() string {
	return d.id
}

// Check the HTTP response status code and parse out the response DNS message.
func (d *DoHClient) responseFromHTTP(q *dns.Msg, resp *http.Response) (*dns.Msg, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resolutionError(Network, d.id, q, fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}
	rb, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	a := new(dns.Msg)
	if err := a.Unpack(rb); err != nil {
		return nil, resolutionError(Protocol, d.id, q, err)
	}
	return a, nil
}

func dohTransport(opt DoHClientOptions) (http.RoundTripper, error) {
	tr := &http.Transport{
		TLSClientConfig:       upstreamTLSConfig(opt.TLSConfig, opt.ServerName, opt.NoSNI),
		DisableCompression:    true,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
	}
	// If we're using a custom tls.Config, HTTP2 isn't enabled by default in
	// the HTTP library. Turn it on for this transport.
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	// All TLS connections are opened here so the handshake uses the config as
	// prepared above, the HTTP library would otherwise set the SNI from the URL.
	d := &net.Dialer{LocalAddr: localTCPAddr(opt.LocalAddr)}
	tr.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if opt.BootstrapAddr != "" {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			addr = net.JoinHostPort(opt.BootstrapAddr, port)
		}
		return tlsDial(ctx, d, network, addr, tr.TLSClientConfig)
	}
	return tr, nil
}
