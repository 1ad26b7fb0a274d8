package ruledns

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// Starts a DNS-over-HTTPS server answering POST and GET queries.
func startTestDoHServer(t *testing.T, config *tls.Config, rcode int) string {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			b   []byte
			err error
		)
		switch r.Method {
		case http.MethodPost:
			b, err = io.ReadAll(r.Body)
		case http.MethodGet:
			b, err = base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := new(dns.Msg)
		if err := q.Unpack(b); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a := answerA(q, 300)
		a.Rcode = rcode
		out, err := a.Pack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "application/dns-message")
		_, _ = w.Write(out)
	}))
	srv.TLS = config
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestDoHClient(t *testing.T) {
	serverConfig, clientConfig, sni := testTLSConfigs(t)
	url := startTestDoHServer(t, serverConfig, dns.RcodeSuccess)

	tests := map[string]struct {
		method     string
		serverName string
		noSNI      bool
		ok         bool
		sni        string
	}{
		"post sni":          {method: "POST", serverName: "dns.example.com", ok: true, sni: "dns.example.com"},
		"get sni":           {method: "GET", serverName: "dns.example.com", ok: true, sni: "dns.example.com"},
		"post no sni":       {method: "POST", serverName: "dns.example.com", noSNI: true, ok: true, sni: ""},
		"get no sni":        {method: "GET", serverName: "dns.example.com", noSNI: true, ok: true, sni: ""},
		"sni wrong name":    {method: "POST", serverName: "wrong.example.com", ok: false},
		"no sni wrong name": {method: "POST", serverName: "wrong.example.com", noSNI: true, ok: false},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			c, err := NewDoHClient("test-doh", url+"/dns-query{?dns}", DoHClientOptions{
				Method:     test.method,
				TLSConfig:  clientConfig,
				ServerName: test.serverName,
				NoSNI:      test.noSNI,
			})
			require.NoError(t, err)

			q := newQuery("example.com.", dns.TypeA)
			q.Id = 1234
			a, err := c.Resolve(context.Background(), q, ClientInfo{})
			if !test.ok {
				require.Error(t, err)
				require.Equal(t, Network, ErrorKind(err))
				return
			}
			require.NoError(t, err)
			require.Len(t, a.Answer, 1)
			require.Equal(t, uint16(1234), a.Id)

			name, ok := sni.last()
			require.True(t, ok)
			require.Equal(t, test.sni, name)
		})
	}
}

func TestDoHClientRefused(t *testing.T) {
	serverConfig, clientConfig, _ := testTLSConfigs(t)
	url := startTestDoHServer(t, serverConfig, dns.RcodeRefused)

	c, err := NewDoHClient("test-doh", url+"/dns-query", DoHClientOptions{
		TLSConfig:  clientConfig,
		ServerName: "dns.example.com",
	})
	require.NoError(t, err)
	_, err = c.Resolve(context.Background(), newQuery("example.com.", dns.TypeA), ClientInfo{})
	require.Equal(t, Refused, ErrorKind(err))
}

func TestDoHClientInvalidEndpoint(t *testing.T) {
	_, err := NewDoHClient("test-doh", "http://192.0.2.1/dns-query", DoHClientOptions{})
	require.Error(t, err)
	_, err = NewDoHClient("test-doh", "https://192.0.2.1/dns-query", DoHClientOptions{Method: "PUT"})
	require.Error(t, err)
}
