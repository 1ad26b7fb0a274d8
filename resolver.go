package ruledns

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// Resolver is an interface to resolve DNS queries. Every upstream transport
// implements it, including the hybrid group that races other resolvers.
type Resolver interface {
	Resolve(context.Context, *dns.Msg, ClientInfo) (*dns.Msg, error)
	fmt.Stringer
}
