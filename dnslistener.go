package ruledns

import (
	"context"
	"net"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Handler answers a query on behalf of a listener. *Engine implements it.
type Handler interface {
	Handle(context.Context, *dns.Msg, ClientInfo) (*dns.Msg, error)
}

// DNSListener is a standard DNS listener for UDP or TCP.
type DNSListener struct {
	*dns.Server
	id string
}

var _ Listener = &DNSListener{}

// NewDNSListener returns an instance of either a UDP or TCP DNS listener.
func NewDNSListener(id, addr, network string, h Handler) *DNSListener {
	return &DNSListener{
		id: id,
		Server: &dns.Server{
			Addr:    addr,
			Net:     network,
			Handler: listenHandler(id, network, h),
		},
	}
}

// Start the DNS listener.
func (s DNSListener) Start() error {
	Log.WithFields(logrus.Fields{"id": s.id, "protocol": s.Net, "addr": s.Addr}).Info("starting listener")
	return s.ListenAndServe()
}

func (s DNSListener) String() string {
	return s.id
}

// DNS handler to pass all incoming requests to the engine. Errors are turned
// into SERVFAIL, or REFUSED when an upstream refused the query.
func listenHandler(id, protocol string, h Handler) dns.HandlerFunc {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		ci := ClientInfo{Listener: id}
		switch addr := w.RemoteAddr().(type) {
		case *net.TCPAddr:
			ci.SourceIP = addr.IP
		case *net.UDPAddr:
			ci.SourceIP = addr.IP
		}
		log := logger(id, req, ci).WithField("protocol", protocol)
		log.Debug("received query")

		a, err := h.Handle(context.Background(), req, ci)
		if err != nil {
			log.WithError(err).Debug("failed to resolve")
			a = errorResponse(req, err)
		}

		// Upstream responses may carry padding meant for an encrypted transport
		stripPadding(a)

		// Check the response actually fits if the query was sent over UDP. If not, respond with TC flag.
		if protocol == "udp" {
			maxSize := dns.MinMsgSize
			if edns0 := req.IsEdns0(); edns0 != nil {
				maxSize = int(edns0.UDPSize())
			}
			a.Truncate(maxSize)
		}
		_ = w.WriteMsg(a)
	}
}

// Builds the response sent to a client for a failed query.
func errorResponse(q *dns.Msg, err error) *dns.Msg {
	if ErrorKind(err) == Refused {
		return refused(q)
	}
	return servfail(q)
}
