package ruledns

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// TTL of locally generated SOA answers, one day.
const soaTTL = 86400

// Return the query name from a DNS query.
func qName(q *dns.Msg) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// Returns the string representation of the query type.
func qType(q *dns.Msg) string {
	if q == nil || len(q.Question) == 0 {
		return ""
	}
	return dns.TypeToString[q.Question[0].Qtype]
}

// Return the result code name from a DNS response.
func rCode(r *dns.Msg) string {
	if result, ok := dns.RcodeToString[r.Rcode]; ok {
		return result
	}
	return strconv.Itoa(r.Rcode)
}

// Returns a SERVFAIL answer for a query.
func servfail(q *dns.Msg) *dns.Msg {
	return responseWithCode(q, dns.RcodeServerFailure)
}

// Returns a REFUSED answer for a query.
func refused(q *dns.Msg) *dns.Msg {
	return responseWithCode(q, dns.RcodeRefused)
}

// Build a response for a query with the given responce code.
func responseWithCode(q *dns.Msg, rcode int) *dns.Msg {
	a := new(dns.Msg)
	a.SetRcode(q, rcode)
	return a
}

// Answers a query with an empty NOERROR response carrying a fixed SOA record
// in the authority section. Used to suppress AAAA lookups.
func soaResponse(q *dns.Msg) *dns.Msg {
	a := new(dns.Msg)
	a.SetReply(q)
	a.RecursionAvailable = q.RecursionDesired
	a.Ns = []dns.RR{
		&dns.SOA{
			Hdr: dns.RR_Header{
				Name:   q.Question[0].Name,
				Rrtype: dns.TypeSOA,
				Class:  dns.ClassINET,
				Ttl:    soaTTL,
			},
			Ns:      "a.gtld-servers.net.",
			Mbox:    "nstld.verisign-grs.com.",
			Serial:  1800,
			Refresh: 1800,
			Retry:   900,
			Expire:  604800,
			Minttl:  86400,
		},
	}
	return a
}

// Returns a copy of the query with the question type replaced.
func withQType(q *dns.Msg, qtype uint16) *dns.Msg {
	c := q.Copy()
	c.Question[0].Qtype = qtype
	return c
}

// StringToType converts a record type name into its numerical type, for example "A" -> 1.
func StringToType(s string) (uint16, error) {
	if t, ok := dns.StringToType[strings.ToUpper(s)]; ok {
		return t, nil
	}
	return 0, configErrorf(InvalidValue, "", "unknown type '%s'", s)
}
