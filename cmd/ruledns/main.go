package main

import (
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rdns "github.com/ruledns/ruledns"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	logLevel string
	check    bool
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "ruledns <config>",
		Short: "Rule driven DNS resolver",
		Long: `Rule driven DNS resolver.

Listens for DNS queries over UDP and TCP and resolves them by
walking a table of rules. Rules pick upstream resolvers by query
name, record type or client address. Upstreams are reached over
DNS-over-TLS, DNS-over-HTTPS or plain DNS, and hybrid upstreams
race several of them.

Configuration files can be JSON, YAML or TOML.
`,
		Example: `  ruledns config.json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(opt, args)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&opt.logLevel, "log-level", "l", "", "log level, overrides the verbosity from the config")
	cmd.Flags().BoolVar(&opt.check, "check", false, "validate the configuration and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func start(opt options, args []string) error {
	c, err := loadConfig(args[0])
	if err != nil {
		return err
	}

	verbosity := c.verbosity()
	if opt.logLevel != "" {
		verbosity = opt.logLevel
	}
	level, err := rdns.ParseVerbosity(verbosity)
	if err != nil {
		return err
	}
	rdns.Log.SetLevel(level)

	if c.Syslog != nil {
		hook, err := rdns.NewSyslogHook(rdns.SyslogOptions{
			Network: c.Syslog.Network,
			Address: c.Syslog.Address,
			Tag:     c.Syslog.Tag,
			Level:   level,
		})
		if err != nil {
			// Not fatal, logging continues on stderr
			rdns.Log.WithError(err).Error("failed to initialize syslog")
		} else {
			rdns.Log.AddHook(hook)
			defer hook.Close()
		}
	}

	engine, err := buildEngine(c)
	if err != nil {
		return err
	}
	if opt.check {
		rdns.Log.Info("configuration is valid")
		return nil
	}

	if c.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(rdns.Registry, promhttp.HandlerOpts{}))
			rdns.Log.WithField("addr", c.MetricsAddress).Info("starting metrics listener")
			if err := http.ListenAndServe(c.MetricsAddress, mux); err != nil {
				rdns.Log.WithError(err).Error("metrics listener failed")
			}
		}()
	}

	addr := c.Address
	if addr == "" {
		addr = "127.0.0.1:53"
	}
	listeners := []rdns.Listener{
		rdns.NewDNSListener("udp", addr, "udp", engine),
		rdns.NewDNSListener("tcp", addr, "tcp", engine),
	}
	for _, l := range listeners {
		go func(l rdns.Listener) {
			for {
				err := l.Start()
				rdns.Log.WithError(err).WithField("id", l.String()).Error("listener failed")
				time.Sleep(time.Second)
			}
		}(l)
	}

	select {}
}

// Validates the configuration and builds the engine. All configuration errors
// are reported here, before any listener is started.
func buildEngine(c config) (*rdns.Engine, error) {
	var baseTLS *tls.Config
	if c.CA != "" {
		var err error
		baseTLS, err = rdns.TLSClientConfig(c.CA, "", "", "")
		if err != nil {
			return nil, errors.Wrap(err, "failed to load ca")
		}
	}

	specs, err := c.upstreamSpecs()
	if err != nil {
		return nil, err
	}
	upstreams, err := rdns.NewUpstreams(specs, rdns.UpstreamsOptions{TLSConfig: baseTLS})
	if err != nil {
		return nil, errors.Wrap(err, "invalid upstreams")
	}

	rules, err := c.rules()
	if err != nil {
		return nil, err
	}
	table, err := rdns.NewTable(rules, upstreams, rdns.TableOptions{MaxJumps: c.MaxJumps})
	if err != nil {
		return nil, errors.Wrap(err, "invalid rule table")
	}

	cache, err := rdns.NewCache("cache", rdns.CacheOptions{
		Capacity:    c.cacheSize(),
		NegativeTTL: c.NegativeTTL,
	})
	if err != nil {
		return nil, err
	}

	rdns.Log.WithFields(logrus.Fields{
		"rules":     len(rules),
		"upstreams": len(specs),
		"cache":     c.cacheSize(),
	}).Info("configuration loaded")

	return rdns.NewEngine(table, cache, rdns.EngineOptions{
		DisableIPv6:   c.DisableIPv6,
		MaxConcurrent: c.MaxConcurrent,
		FlushQuery:    c.FlushQuery,
	}), nil
}
