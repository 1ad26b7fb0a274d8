package ruledns

import (
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/oschwald/maxminddb-golang"
)

// GeoIPCondition matches clients by the country of their address, looked up
// in a MaxMind database.
type GeoIPCondition struct {
	geoDB     *maxminddb.Reader
	geoDBFile string
	codes     map[string]struct{}
}

var _ Condition = &GeoIPCondition{}

// NewGeoIPCondition opens the database and returns a condition matching the
// given ISO country codes.
func NewGeoIPCondition(geoDBFile string, codes ...string) (*GeoIPCondition, error) {
	if len(codes) == 0 {
		return nil, configErrorf(InvalidValue, "", "geoip condition without country codes")
	}
	if geoDBFile == "" {
		geoDBFile = "/usr/share/GeoIP/GeoLite2-Country.mmdb"
	}
	geoDB, err := maxminddb.Open(geoDBFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open geo location database file: %w", err)
	}
	c := &GeoIPCondition{
		geoDB:     geoDB,
		geoDBFile: geoDBFile,
		codes:     make(map[string]struct{}, len(codes)),
	}
	for _, code := range codes {
		c.codes[strings.ToUpper(code)] = struct{}{}
	}
	return c, nil
}

func (c *GeoIPCondition) Match(q *dns.Msg, ci ClientInfo) bool {
	if ci.SourceIP == nil {
		return false
	}
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := c.geoDB.Lookup(ci.SourceIP, &record); err != nil {
		Log.WithField("ip", ci.SourceIP).WithError(err).Error("failed to lookup ip in geo location database")
		return false
	}
	_, ok := c.codes[record.Country.ISOCode]
	return ok
}

func (c *GeoIPCondition) Close() error {
	return c.geoDB.Close()
}

func (c *GeoIPCondition) String() string {
	codes := make([]string, 0, len(c.codes))
	for code := range c.codes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return fmt.Sprintf("geoip(%s)", strings.Join(codes, ","))
}
