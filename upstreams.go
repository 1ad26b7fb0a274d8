package ruledns

import (
	"crypto/tls"
	"sort"
	"sync"

	"github.com/heimdalr/dag"
	"golang.org/x/sync/singleflight"
)

// Upstreams is the registry of configured upstreams. Resolvers are built on
// first use and shared by all queries afterwards.
type Upstreams struct {
	opt   UpstreamsOptions
	specs map[string]UpstreamSpec
	group singleflight.Group

	mu    sync.RWMutex
	built map[string]Resolver
}

type UpstreamsOptions struct {
	// Base TLS client configuration for methods that don't carry their own.
	TLSConfig *tls.Config

	// Builds the resolver for a TLS, HTTPS, UDP or TCP method. Defaults to
	// NewTransport. Hybrid members are always resolved through the registry.
	Factory func(spec UpstreamSpec, tlsConfig *tls.Config) (Resolver, error)
}

// NewUpstreams validates a set of upstreams and returns a registry for them.
// Tags must be unique, every hybrid member must be defined and hybrid methods
// must not reference each other in a cycle.
func NewUpstreams(specs []UpstreamSpec, opt UpstreamsOptions) (*Upstreams, error) {
	if opt.Factory == nil {
		opt.Factory = NewTransport
	}
	u := &Upstreams{
		opt:   opt,
		specs: make(map[string]UpstreamSpec, len(specs)),
		built: make(map[string]Resolver),
	}
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if _, ok := u.specs[spec.Tag]; ok {
			return nil, configErrorf(DuplicateTag, spec.Tag, "upstream defined more than once")
		}
		u.specs[spec.Tag] = spec
	}
	for _, spec := range specs {
		if spec.Method.Kind != MethodHybrid {
			continue
		}
		for _, member := range spec.Method.Tags {
			if _, ok := u.specs[member]; !ok {
				return nil, configErrorf(UnknownUpstream, member, "referenced by hybrid '%s'", spec.Tag)
			}
		}
	}
	if err := checkHybridCycles(specs); err != nil {
		return nil, err
	}
	return u, nil
}

// Lookup returns the resolver for an upstream tag.
func (u *Upstreams) Lookup(tag string) (Resolver, error) {
	u.mu.RLock()
	r, ok := u.built[tag]
	u.mu.RUnlock()
	if ok {
		return r, nil
	}
	spec, ok := u.specs[tag]
	if !ok {
		return nil, configErrorf(UnknownUpstream, tag, "not defined")
	}

	// Concurrent first lookups of the same tag share one construction.
	v, err, _ := u.group.Do(tag, func() (interface{}, error) {
		u.mu.RLock()
		r, ok := u.built[tag]
		u.mu.RUnlock()
		if ok {
			return r, nil
		}
		r, err := u.build(spec)
		if err != nil {
			return nil, err
		}
		u.mu.Lock()
		u.built[tag] = r
		u.mu.Unlock()
		Log.WithField("id", tag).WithField("method", spec.Method.Kind).Debug("upstream initialized")
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Resolver), nil
}

// Check returns an error if any of the tags is not a defined upstream.
func (u *Upstreams) Check(tags ...string) error {
	for _, tag := range tags {
		if _, ok := u.specs[tag]; !ok {
			return configErrorf(UnknownUpstream, tag, "not defined")
		}
	}
	return nil
}

// Tags returns the sorted tags of all defined upstreams.
func (u *Upstreams) Tags() []string {
	tags := make([]string, 0, len(u.specs))
	for tag := range u.specs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (u *Upstreams) build(spec UpstreamSpec) (Resolver, error) {
	var (
		r   Resolver
		err error
	)
	if spec.Method.Kind == MethodHybrid {
		members := make([]Resolver, 0, len(spec.Method.Tags))
		for _, tag := range spec.Method.Tags {
			m, err := u.Lookup(tag)
			if err != nil {
				return nil, err
			}
			members = append(members, m)
		}
		r = NewHybrid(spec.Tag, members...)
	} else {
		tlsConfig := spec.Method.TLSConfig
		if tlsConfig == nil {
			tlsConfig = u.opt.TLSConfig
		}
		r, err = u.opt.Factory(spec, tlsConfig)
		if err != nil {
			return nil, err
		}
	}
	return NewTimeoutResolver(spec.Tag, r, spec.Timeout), nil
}

// NewTransport builds the resolver for a TLS, HTTPS, UDP or TCP upstream.
func NewTransport(spec UpstreamSpec, tlsConfig *tls.Config) (Resolver, error) {
	m := spec.Method
	switch m.Kind {
	case MethodTLS:
		return NewDoTClient(spec.Tag, m.Address, DoTClientOptions{
			TLSConfig:    tlsConfig,
			ServerName:   m.ServerName,
			NoSNI:        m.NoSNI,
			QueryTimeout: spec.Timeout,
		})
	case MethodHTTPS:
		return NewDoHClient(spec.Tag, m.Address, DoHClientOptions{
			Method:       m.HTTPMethod,
			TLSConfig:    tlsConfig,
			ServerName:   m.ServerName,
			NoSNI:        m.NoSNI,
			QueryTimeout: spec.Timeout,
		})
	case MethodUDP, MethodTCP:
		return NewDNSClient(spec.Tag, m.Address, m.Kind.String(), DNSClientOptions{
			QueryTimeout: spec.Timeout,
		})
	}
	return nil, configErrorf(InvalidValue, spec.Tag, "method %s has no transport", m.Kind)
}

type upstreamVertex string

func (v upstreamVertex) ID() string {
	return string(v)
}

// Builds a graph of hybrid memberships and fails on the first edge that
// would close a loop.
func checkHybridCycles(specs []UpstreamSpec) error {
	graph := dag.NewDAG()
	for _, spec := range specs {
		if _, err := graph.AddVertex(upstreamVertex(spec.Tag)); err != nil {
			return configErrorf(InvalidValue, spec.Tag, "%s", err)
		}
	}
	for _, spec := range specs {
		if spec.Method.Kind != MethodHybrid {
			continue
		}
		seen := make(map[string]struct{})
		for _, member := range spec.Method.Tags {
			if _, ok := seen[member]; ok {
				continue
			}
			seen[member] = struct{}{}
			if err := graph.AddEdge(spec.Tag, member); err != nil {
				return configErrorf(HybridCycle, spec.Tag, "%s", err)
			}
		}
	}
	return nil
}
