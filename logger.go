package ruledns

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// Log is a package-global logger used throughout the library. Configuration can be
// changed directly on this instance or the instance replaced.
var Log = logrus.New()

func logger(id string, q *dns.Msg, ci ClientInfo) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"id":     id,
		"client": ci.SourceIP,
		"qtype":  qType(q),
		"qname":  qName(q),
	})
}

// ParseVerbosity converts a verbosity setting into a logrus level. Both level
// names ("debug", "warn") and numbers from 0 (error) to 4 (trace) are accepted.
func ParseVerbosity(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 4 {
			return 0, fmt.Errorf("verbosity %d out of range 0-4", n)
		}
		return logrus.ErrorLevel + logrus.Level(n), nil
	}
	return logrus.ParseLevel(strings.ToLower(s))
}
