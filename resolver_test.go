package ruledns

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// TestResolver is a configurable resolver used in tests. It counts the
// queries it received.
type TestResolver struct {
	mu          sync.Mutex
	ResolveFunc func(context.Context, *dns.Msg, ClientInfo) (*dns.Msg, error)
	hitCount    int
	queries     []*dns.Msg
	id          string
}

var _ Resolver = &TestResolver{}

func (r *TestResolver) Resolve(ctx context.Context, q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
	r.mu.Lock()
	r.hitCount++
	r.queries = append(r.queries, q.Copy())
	r.mu.Unlock()
	if r.ResolveFunc == nil {
		return answerA(q, 3600), nil
	}
	return r.ResolveFunc(ctx, q, ci)
}

func (r *TestResolver) HitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hitCount
}

// LastQuery returns the most recent query received by the resolver.
func (r *TestResolver) LastQuery() *dns.Msg {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queries) == 0 {
		return nil
	}
	return r.queries[len(r.queries)-1]
}

func (r *TestResolver) String() string {
	if r.id != "" {
		return r.id
	}
	return "TestResolver()"
}

// Returns a resolver answering after a delay, or failing if err is set.
func delayedResolver(id string, delay time.Duration, err error) *TestResolver {
	return &TestResolver{
		id: id,
		ResolveFunc: func(ctx context.Context, q *dns.Msg, ci ClientInfo) (*dns.Msg, error) {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if err != nil {
				return nil, err
			}
			a := answerA(q, 300)
			a.Answer[0].(*dns.A).A = net.ParseIP("192.0.2.1")
			a.Ns = []dns.RR{txt(q.Question[0].Name, id)}
			return a, nil
		},
	}
}

func answerA(q *dns.Msg, ttl uint32) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	a.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    ttl,
			},
			A: net.IP{127, 0, 0, 1},
		},
	}
	return a
}

// TXT record used to tell which resolver produced an answer.
func txt(name, s string) dns.RR {
	return &dns.TXT{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 300},
		Txt: []string{s},
	}
}

func answeredBy(t *testing.T, a *dns.Msg) string {
	t.Helper()
	require.NotNil(t, a)
	require.NotEmpty(t, a.Ns)
	rr, ok := a.Ns[0].(*dns.TXT)
	require.True(t, ok)
	return rr.Txt[0]
}

func newQuery(name string, qtype uint16) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	return q
}

var errTest = errors.New("test error")

// Writes a self-signed certificate valid for the given names into a temp
// directory and returns the paths of the certificate and key files.
func writeTestCert(t *testing.T, names ...string) (string, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: names[0]},
		DNSNames:              names,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	dir := t.TempDir()
	crtFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(crtFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}), 0600))
	return crtFile, keyFile
}
