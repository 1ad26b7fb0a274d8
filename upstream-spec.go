package ruledns

import (
	"crypto/tls"
	"fmt"
	"time"
)

// MethodKind selects the transport of an upstream.
type MethodKind int

const (
	MethodTLS MethodKind = iota + 1
	MethodHTTPS
	MethodHybrid
	MethodUDP
	MethodTCP
)

var methodKindNames = map[MethodKind]string{
	MethodTLS:    "tls",
	MethodHTTPS:  "https",
	MethodHybrid: "hybrid",
	MethodUDP:    "udp",
	MethodTCP:    "tcp",
}

func (k MethodKind) String() string {
	if s, ok := methodKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("MethodKind(%d)", int(k))
}

// Method describes how an upstream is reached. Only the fields relevant to
// Kind are used: ServerName, NoSNI and Address for TLS and HTTPS, Address for
// UDP and TCP, Tags for Hybrid.
type Method struct {
	Kind MethodKind

	// Name to verify the server certificate against.
	ServerName string

	// Don't send the server name in the TLS handshake.
	NoSNI bool

	// host:port for TLS, UDP and TCP. URL or URL template for HTTPS.
	Address string

	// Upstreams raced by a Hybrid method.
	Tags []string

	// HTTP method for HTTPS, "POST" (default) or "GET".
	HTTPMethod string

	// Base client configuration for TLS and HTTPS, for example a custom CA. Server
	// name and SNI are set from the fields above.
	TLSConfig *tls.Config
}

// UpstreamSpec is the configuration of one named upstream.
type UpstreamSpec struct {
	Tag     string
	Timeout time.Duration
	Method  Method
}

// TLSMethod returns a DNS-over-TLS method.
func TLSMethod(serverName, address string, noSNI bool) Method {
	return Method{Kind: MethodTLS, ServerName: serverName, Address: address, NoSNI: noSNI}
}

// HTTPSMethod returns a DNS-over-HTTPS method.
func HTTPSMethod(serverName, address string, noSNI bool) Method {
	return Method{Kind: MethodHTTPS, ServerName: serverName, Address: address, NoSNI: noSNI}
}

// HybridMethod returns a method that races the given upstreams.
func HybridMethod(tags ...string) Method {
	return Method{Kind: MethodHybrid, Tags: tags}
}

// validate checks the fields of the method without connecting anywhere.
func (s UpstreamSpec) validate() error {
	if s.Tag == "" {
		return configErrorf(InvalidValue, "", "upstream without tag")
	}
	if s.Timeout < 0 {
		return configErrorf(InvalidValue, s.Tag, "negative timeout")
	}
	m := s.Method
	switch m.Kind {
	case MethodTLS, MethodUDP, MethodTCP:
		if err := validEndpoint(m.Address); err != nil {
			return configErrorf(InvalidValue, s.Tag, "%s address: %s", m.Kind, err)
		}
	case MethodHTTPS:
		if m.Address == "" {
			return configErrorf(InvalidValue, s.Tag, "https address is empty")
		}
		if m.HTTPMethod != "" && m.HTTPMethod != "GET" && m.HTTPMethod != "POST" {
			return configErrorf(InvalidValue, s.Tag, "unsupported http method '%s'", m.HTTPMethod)
		}
	case MethodHybrid:
		if len(m.Tags) == 0 {
			return configErrorf(InvalidValue, s.Tag, "hybrid without upstreams")
		}
	default:
		return configErrorf(InvalidValue, s.Tag, "unknown method %s", m.Kind)
	}
	return nil
}
