package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	rdns "github.com/ruledns/ruledns"
	"gopkg.in/yaml.v3"
)

const defaultCacheSize = 4096

type config struct {
	Verbosity      interface{}      `json:"verbosity"`
	CacheSize      *int             `json:"cache_size"`
	NegativeTTL    uint32           `json:"negative_ttl"`
	Address        string           `json:"address"`
	DisableIPv6    bool             `json:"disable_ipv6"`
	MaxJumps       int              `json:"max_jumps"`
	MaxConcurrent  int64            `json:"max_concurrent"`
	FlushQuery     string           `json:"flush_query"`
	MetricsAddress string           `json:"metrics_address"`
	GeoIPDB        string           `json:"geoip_db"`
	CA             string           `json:"ca"`
	Syslog         *syslogConfig    `json:"syslog"`
	Table          []ruleConfig     `json:"table"`
	Upstreams      []upstreamConfig `json:"upstreams"`
}

type syslogConfig struct {
	Network string `json:"network"`
	Address string `json:"address"`
	Tag     string `json:"tag"`
}

type ruleConfig struct {
	Tag  string            `json:"tag"`
	If   json.RawMessage   `json:"if"`
	Then []json.RawMessage `json:"then"`
	Else []json.RawMessage `json:"else"`
}

type upstreamConfig struct {
	Tag string `json:"tag"`
	// Seconds, fractions allowed
	Timeout float64                    `json:"timeout"`
	Method  map[string]json.RawMessage `json:"method"`
}

type transportConfig struct {
	ServerName string `json:"server_name"`
	NoSNI      bool   `json:"no_sni"`
	Address    string `json:"address"`
	HTTPMethod string `json:"http_method"`
}

// loadConfig reads a config file and returns the decoded structure. The format
// is picked by the file extension, files without a known extension are read
// as JSON.
func loadConfig(name string) (config, error) {
	var c config
	b, err := os.ReadFile(name)
	if err != nil {
		return c, err
	}
	c, err = parseConfig(filepath.Ext(name), b)
	return c, errors.Wrapf(err, "failed to load config '%s'", name)
}

func parseConfig(ext string, b []byte) (config, error) {
	var (
		c   config
		raw interface{}
		err error
	)
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &raw)
	case ".toml":
		var m map[string]interface{}
		_, err = toml.Decode(string(b), &m)
		raw = m
	default:
		raw = json.RawMessage(b)
	}
	if err != nil {
		return c, err
	}

	// Every format goes through JSON so the polymorphic parts of the config
	// (conditions, actions, methods) are handled in one place.
	js, err := json.Marshal(normalize(raw))
	if err != nil {
		return c, err
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	err = dec.Decode(&c)
	return c, err
}

// Converts decoded YAML and TOML values into types encoding/json can marshal.
func normalize(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]interface{}:
		for k, val := range v {
			v[k] = normalize(val)
		}
		return v
	case []map[string]interface{}:
		l := make([]interface{}, 0, len(v))
		for _, val := range v {
			l = append(l, normalize(val))
		}
		return l
	case []interface{}:
		for i, val := range v {
			v[i] = normalize(val)
		}
		return v
	}
	return v
}

func (c config) verbosity() string {
	if c.Verbosity == nil {
		return ""
	}
	return fmt.Sprint(c.Verbosity)
}

func (c config) cacheSize() int {
	if c.CacheSize == nil {
		return defaultCacheSize
	}
	return *c.CacheSize
}

func (c config) upstreamSpecs() ([]rdns.UpstreamSpec, error) {
	specs := make([]rdns.UpstreamSpec, 0, len(c.Upstreams))
	for _, u := range c.Upstreams {
		method, err := parseMethod(u.Tag, u.Method)
		if err != nil {
			return nil, err
		}
		specs = append(specs, rdns.UpstreamSpec{
			Tag:     u.Tag,
			Timeout: time.Duration(u.Timeout * float64(time.Second)),
			Method:  method,
		})
	}
	return specs, nil
}

func parseMethod(tag string, m map[string]json.RawMessage) (rdns.Method, error) {
	name, value, ok := single(m)
	if !ok {
		return rdns.Method{}, &rdns.ConfigError{Kind: rdns.InvalidValue, Tag: tag, Detail: "method needs exactly one of tls, https, hybrid, udp, tcp"}
	}
	if name == "hybrid" {
		var tags []string
		if err := json.Unmarshal(value, &tags); err != nil {
			return rdns.Method{}, errors.Wrapf(err, "upstream '%s'", tag)
		}
		return rdns.HybridMethod(tags...), nil
	}
	var t transportConfig
	if err := json.Unmarshal(value, &t); err != nil {
		return rdns.Method{}, errors.Wrapf(err, "upstream '%s'", tag)
	}
	method := rdns.Method{
		ServerName: t.ServerName,
		NoSNI:      t.NoSNI,
		Address:    t.Address,
		HTTPMethod: strings.ToUpper(t.HTTPMethod),
	}
	switch name {
	case "tls":
		method.Kind = rdns.MethodTLS
	case "https":
		method.Kind = rdns.MethodHTTPS
	case "udp":
		method.Kind = rdns.MethodUDP
	case "tcp":
		method.Kind = rdns.MethodTCP
	default:
		return rdns.Method{}, &rdns.ConfigError{Kind: rdns.InvalidValue, Tag: tag, Detail: fmt.Sprintf("unknown method '%s'", name)}
	}
	return method, nil
}

// Returns the only entry of a map, or false if there is not exactly one.
func single(m map[string]json.RawMessage) (string, json.RawMessage, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		return k, v, true
	}
	return "", nil, false
}

func (c config) rules() ([]rdns.Rule, error) {
	rules := make([]rdns.Rule, 0, len(c.Table))
	for _, r := range c.Table {
		cond, err := c.parseCondition(r.If)
		if err != nil {
			return nil, errors.Wrapf(err, "rule '%s'", r.Tag)
		}
		rule := rdns.Rule{Tag: r.Tag, If: cond}
		if rule.Then, err = parseActions(r.Then); err != nil {
			return nil, errors.Wrapf(err, "rule '%s'", r.Tag)
		}
		if r.Else != nil {
			if rule.Else, err = parseActions(r.Else); err != nil {
				return nil, errors.Wrapf(err, "rule '%s'", r.Tag)
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (c config) parseCondition(b json.RawMessage) (rdns.Condition, error) {
	if len(b) == 0 || string(b) == "null" {
		return rdns.Any, nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s == "any" {
			return rdns.Any, nil
		}
		return nil, &rdns.ConfigError{Kind: rdns.InvalidValue, Detail: fmt.Sprintf("unknown condition '%s'", s)}
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	name, value, ok := single(m)
	if !ok {
		return nil, &rdns.ConfigError{Kind: rdns.InvalidValue, Detail: "condition needs exactly one of domain, qtype, source, geoip, not"}
	}
	if name == "not" {
		inner, err := c.parseCondition(value)
		if err != nil {
			return nil, err
		}
		return rdns.Not(inner), nil
	}
	var list []string
	if err := json.Unmarshal(value, &list); err != nil {
		return nil, errors.Wrapf(err, "condition '%s'", name)
	}
	switch name {
	case "domain":
		return rdns.NewDomainCondition(list...)
	case "qtype":
		return rdns.NewTypeCondition(list...)
	case "source":
		return rdns.NewSourceCondition(list...)
	case "geoip":
		return rdns.NewGeoIPCondition(c.GeoIPDB, list...)
	}
	return nil, &rdns.ConfigError{Kind: rdns.InvalidValue, Detail: fmt.Sprintf("unknown condition '%s'", name)}
}

func parseActions(list []json.RawMessage) ([]rdns.Action, error) {
	actions := make([]rdns.Action, 0, len(list))
	for _, b := range list {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			switch s {
			case "end":
				actions = append(actions, rdns.EndAction())
			case "disable":
				actions = append(actions, rdns.DisableAction())
			default:
				actions = append(actions, rdns.JumpAction(s))
			}
			continue
		}
		var q struct {
			Query string `json:"query"`
			QType string `json:"qtype"`
		}
		if err := json.Unmarshal(b, &q); err != nil {
			return nil, err
		}
		if q.Query == "" {
			return nil, &rdns.ConfigError{Kind: rdns.InvalidValue, Detail: fmt.Sprintf("invalid action %s", string(b))}
		}
		if q.QType == "" {
			actions = append(actions, rdns.QueryAction(q.Query))
			continue
		}
		qtype, err := rdns.StringToType(q.QType)
		if err != nil {
			return nil, err
		}
		actions = append(actions, rdns.QueryTypeAction(q.Query, qtype))
	}
	return actions, nil
}
