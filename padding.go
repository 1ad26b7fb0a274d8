package ruledns

import "github.com/miekg/dns"

// Queries sent over DoT and DoH are padded to a multiple of this size (RFC 8467).
const QueryPaddingBlockSize = 128

var queryPadBuf [QueryPaddingBlockSize]byte

// Pads a query before it goes out over an encrypted transport. Queries
// without EDNS0 are left alone. Must only be called on a copy.
func padQuery(q *dns.Msg) {
	opt := q.IsEdns0()
	if opt == nil {
		return
	}
	padding := resetPadding(opt)
	padLen := QueryPaddingBlockSize - q.Len()%QueryPaddingBlockSize
	padding.Padding = queryPadBuf[:padLen]
}

// Returns the padding option of an OPT record, emptied, adding one if needed.
func resetPadding(opt *dns.OPT) *dns.EDNS0_PADDING {
	for _, o := range opt.Option {
		if p, ok := o.(*dns.EDNS0_PADDING); ok {
			p.Padding = nil
			return p
		}
	}
	p := new(dns.EDNS0_PADDING)
	opt.Option = append(opt.Option, p)
	return p
}

// Removes padding from a message, for responses that came in over TLS and
// go out over plain DNS.
func stripPadding(m *dns.Msg) {
	opt := m.IsEdns0()
	if opt == nil {
		return
	}
	kept := opt.Option[:0]
	for _, o := range opt.Option {
		if o.Option() != dns.EDNS0PADDING {
			kept = append(kept, o)
		}
	}
	opt.Option = kept
}
