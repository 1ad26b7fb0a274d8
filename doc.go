/*
Package ruledns implements a DNS resolution engine driven by a rule table.

Upstreams

Upstreams are named resolvers using DNS-over-TLS, DNS-over-HTTPS or plain DNS.
A hybrid upstream races a set of other upstreams and uses the fastest usable
answer. Upstreams are built on first use and shared afterwards.

Rules

The rule table is a list of tagged rules evaluated starting at the rule "start".
Each rule has a condition and lists of actions: query an upstream, jump to
another rule, end the evaluation or refuse the query.

Engine

The engine answers queries from a response cache or by evaluating the table, then
caches the result. Listeners receive queries from clients and pass them to the
engine.
*/
package ruledns
