package ruledns

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// Builds a registry where every non-hybrid tag is served by the given test
// resolver.
func testUpstreams(t *testing.T, resolvers map[string]Resolver, hybrids ...UpstreamSpec) *Upstreams {
	t.Helper()
	var specs []UpstreamSpec
	for tag := range resolvers {
		specs = append(specs, tlsUpstream(tag))
	}
	specs = append(specs, hybrids...)
	u, err := NewUpstreams(specs, UpstreamsOptions{
		Factory: func(spec UpstreamSpec, _ *tls.Config) (Resolver, error) {
			return resolvers[spec.Tag], nil
		},
	})
	require.NoError(t, err)
	return u
}

func exampleTable(t *testing.T, cloudflare, quad9 Resolver) *Table {
	t.Helper()
	u := testUpstreams(t,
		map[string]Resolver{"cloudflare": cloudflare, "quad9-tls": quad9},
		hybridUpstream("secure", "cloudflare", "quad9-tls"),
	)
	table, err := NewTable([]Rule{
		{Tag: "start", If: Any, Then: []Action{QueryAction("secure"), EndAction()}},
	}, u, TableOptions{})
	require.NoError(t, err)
	return table
}

func TestTableExample(t *testing.T) {
	q := newQuery("example.com.", dns.TypeA)

	tests := map[string]struct {
		cloudflare, quad9 Resolver
		expect            string
	}{
		"both ok":             {delayedResolver("cloudflare", 0, nil), delayedResolver("quad9-tls", 50*time.Millisecond, nil), "cloudflare"},
		"cloudflare ok":       {delayedResolver("cloudflare", 0, nil), delayedResolver("quad9-tls", 0, errTest), "cloudflare"},
		"quad9 ok":            {delayedResolver("cloudflare", 0, errTest), delayedResolver("quad9-tls", 0, nil), "quad9-tls"},
		"quad9 faster":        {delayedResolver("cloudflare", 50*time.Millisecond, nil), delayedResolver("quad9-tls", 0, nil), "quad9-tls"},
		"quad9 after failure": {delayedResolver("cloudflare", 0, errTest), delayedResolver("quad9-tls", 20*time.Millisecond, nil), "quad9-tls"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			table := exampleTable(t, test.cloudflare, test.quad9)
			res, err := table.Evaluate(context.Background(), q, ClientInfo{})
			require.NoError(t, err)
			require.Equal(t, "secure", res.Upstream)
			require.Equal(t, test.expect, answeredBy(t, res.Msg))
			require.True(t, res.Query == q)
		})
	}

	t.Run("both fail", func(t *testing.T) {
		table := exampleTable(t, delayedResolver("cloudflare", 0, errTest), delayedResolver("quad9-tls", 0, errTest))
		_, err := table.Evaluate(context.Background(), q, ClientInfo{})
		require.Error(t, err)
		require.ErrorIs(t, err, errTest)
	})
}

func TestTableValidation(t *testing.T) {
	u := testUpstreams(t, map[string]Resolver{"up": &TestResolver{}})
	tests := map[string]struct {
		rules []Rule
		kind  ConfigKind
	}{
		"missing start": {
			rules: []Rule{{Tag: "other", Then: []Action{QueryAction("up")}}},
			kind:  MissingEntryRule,
		},
		"duplicate": {
			rules: []Rule{
				{Tag: "start", Then: []Action{QueryAction("up")}},
				{Tag: "start", Then: []Action{EndAction()}},
			},
			kind: DuplicateTag,
		},
		"unknown upstream": {
			rules: []Rule{{Tag: "start", Then: []Action{QueryAction("down")}}},
			kind:  UnknownUpstream,
		},
		"unknown upstream in else": {
			rules: []Rule{{Tag: "start", If: Any, Then: []Action{EndAction()}, Else: []Action{QueryAction("down")}}},
			kind:  UnknownUpstream,
		},
		"unknown rule": {
			rules: []Rule{{Tag: "start", Then: []Action{JumpAction("nowhere")}}},
			kind:  UnknownRule,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewTable(test.rules, u, TableOptions{})
			requireConfigError(t, err, test.kind)
		})
	}
}

func TestTableRuleLoop(t *testing.T) {
	u := testUpstreams(t, map[string]Resolver{})
	table, err := NewTable([]Rule{
		{Tag: "start", Then: []Action{JumpAction("a")}},
		{Tag: "a", Then: []Action{JumpAction("b")}},
		{Tag: "b", Then: []Action{JumpAction("a")}},
	}, u, TableOptions{MaxJumps: 10})
	require.NoError(t, err)

	done := make(chan error)
	go func() {
		_, err := table.Evaluate(context.Background(), newQuery("example.com.", dns.TypeA), ClientInfo{})
		done <- err
	}()
	select {
	case err := <-done:
		require.Equal(t, RuleLoop, ErrorKind(err))
	case <-time.After(time.Second):
		t.Fatal("evaluation did not terminate")
	}
}

func TestTableJumps(t *testing.T) {
	plain := delayedResolver("plain", 0, nil)
	secure := delayedResolver("secure", 0, nil)
	u := testUpstreams(t, map[string]Resolver{"plain": plain, "secure": secure})

	local, err := NewDomainCondition(".lan")
	require.NoError(t, err)
	table, err := NewTable([]Rule{
		{Tag: "start", Then: []Action{JumpAction("local")}},
		{Tag: "local", If: local, Then: []Action{QueryAction("plain"), EndAction()}, Else: []Action{JumpAction("default")}},
		{Tag: "default", Then: []Action{QueryAction("secure")}},
	}, u, TableOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"start", "local", "default"}, table.Rules())

	res, err := table.Evaluate(context.Background(), newQuery("printer.lan.", dns.TypeA), ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, "plain", res.Upstream)

	// Implicit end after falling off the action list of "default"
	res, err = table.Evaluate(context.Background(), newQuery("example.com.", dns.TypeA), ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, "secure", res.Upstream)
	require.Equal(t, "secure", answeredBy(t, res.Msg))
}

func TestTableNoMatch(t *testing.T) {
	u := testUpstreams(t, map[string]Resolver{"up": &TestResolver{}})
	aaaa, err := NewTypeCondition("AAAA")
	require.NoError(t, err)
	table, err := NewTable([]Rule{
		{Tag: "start", Then: []Action{JumpAction("v6")}},
		{Tag: "v6", If: aaaa, Then: []Action{QueryAction("up")}},
	}, u, TableOptions{})
	require.NoError(t, err)

	_, err = table.Evaluate(context.Background(), newQuery("example.com.", dns.TypeA), ClientInfo{})
	require.Equal(t, NoMatch, ErrorKind(err))

	_, err = table.Evaluate(context.Background(), newQuery("example.com.", dns.TypeAAAA), ClientInfo{})
	require.NoError(t, err)
}

func TestTableNoResult(t *testing.T) {
	u := testUpstreams(t, map[string]Resolver{})
	table, err := NewTable([]Rule{{Tag: "start", Then: []Action{EndAction()}}}, u, TableOptions{})
	require.NoError(t, err)

	_, err = table.Evaluate(context.Background(), newQuery("example.com.", dns.TypeA), ClientInfo{})
	require.Equal(t, NoResult, ErrorKind(err))

	// Same without an explicit end
	table, err = NewTable([]Rule{{Tag: "start"}}, u, TableOptions{})
	require.NoError(t, err)
	_, err = table.Evaluate(context.Background(), newQuery("example.com.", dns.TypeA), ClientInfo{})
	require.Equal(t, NoResult, ErrorKind(err))
}

func TestTableLastQueryWins(t *testing.T) {
	first := delayedResolver("first", 0, nil)
	second := delayedResolver("second", 0, nil)
	u := testUpstreams(t, map[string]Resolver{"first": first, "second": second})
	table, err := NewTable([]Rule{
		{Tag: "start", Then: []Action{QueryAction("first"), QueryAction("second"), EndAction(), QueryAction("first")}},
	}, u, TableOptions{})
	require.NoError(t, err)

	res, err := table.Evaluate(context.Background(), newQuery("example.com.", dns.TypeA), ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, "second", answeredBy(t, res.Msg))
	require.Equal(t, 1, first.HitCount())
	require.Equal(t, 1, second.HitCount())
}

func TestTableQueryType(t *testing.T) {
	up := &TestResolver{}
	u := testUpstreams(t, map[string]Resolver{"up": up})
	table, err := NewTable([]Rule{
		{Tag: "start", Then: []Action{QueryTypeAction("up", dns.TypeA)}},
	}, u, TableOptions{})
	require.NoError(t, err)

	q := newQuery("example.com.", dns.TypeAAAA)
	res, err := table.Evaluate(context.Background(), q, ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, dns.TypeA, up.LastQuery().Question[0].Qtype)
	require.Equal(t, dns.TypeA, res.Query.Question[0].Qtype)

	// The original query is untouched
	require.Equal(t, dns.TypeAAAA, q.Question[0].Qtype)
}

func TestTableDisable(t *testing.T) {
	up := &TestResolver{}
	u := testUpstreams(t, map[string]Resolver{"up": up})
	table, err := NewTable([]Rule{
		{Tag: "start", Then: []Action{DisableAction(), QueryAction("up")}},
	}, u, TableOptions{})
	require.NoError(t, err)

	res, err := table.Evaluate(context.Background(), newQuery("example.com.", dns.TypeA), ClientInfo{})
	require.NoError(t, err)
	require.Equal(t, dns.RcodeRefused, res.Msg.Rcode)
	require.Equal(t, "", res.Upstream)
	require.Equal(t, 0, up.HitCount())
}

func TestTableCancelled(t *testing.T) {
	up := &TestResolver{}
	u := testUpstreams(t, map[string]Resolver{"up": up})
	table, err := NewTable([]Rule{
		{Tag: "start", Then: []Action{QueryAction("up")}},
	}, u, TableOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = table.Evaluate(ctx, newQuery("example.com.", dns.TypeA), ClientInfo{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, up.HitCount())
}

func TestTableDefaultMaxJumps(t *testing.T) {
	u := testUpstreams(t, map[string]Resolver{})
	rules := []Rule{{Tag: "start"}}
	table, err := NewTable(rules, u, TableOptions{})
	require.NoError(t, err)
	require.Equal(t, defaultMaxJumps, table.maxJumps)
}

func TestTableInvalidQuestionCount(t *testing.T) {
	up := &TestResolver{}
	u := testUpstreams(t, map[string]Resolver{"up": up})
	table, err := NewTable([]Rule{
		{Tag: "start", Then: []Action{QueryTypeAction("up", dns.TypeA)}},
	}, u, TableOptions{})
	require.NoError(t, err)

	_, err = table.Evaluate(context.Background(), new(dns.Msg), ClientInfo{})
	require.Equal(t, Protocol, ErrorKind(err))

	q := newQuery("example.com.", dns.TypeAAAA)
	q.Question = append(q.Question, q.Question[0])
	_, err = table.Evaluate(context.Background(), q, ClientInfo{})
	require.Equal(t, Protocol, ErrorKind(err))
	require.Equal(t, 0, up.HitCount())
}
