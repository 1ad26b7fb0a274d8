package ruledns

import (
	"strings"

	syslog "github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

// SyslogHook is a logrus hook sending log entries to a syslog server.
type SyslogHook struct {
	writer *syslog.Writer
	levels []logrus.Level
}

var _ logrus.Hook = &SyslogHook{}

type SyslogOptions struct {
	// "udp", "tcp", "unix". Defaults to the local syslog server if empty.
	Network string

	// Remote address, defaults to local syslog server
	Address string

	// Syslog tag
	Tag string

	// Entries below this level are not forwarded. Defaults to info.
	Level logrus.Level
}

// NewSyslogHook connects to the syslog server and returns a hook that can be
// added to Log.
func NewSyslogHook(opt SyslogOptions) (*SyslogHook, error) {
	if opt.Level == 0 {
		opt.Level = logrus.InfoLevel
	}
	writer, err := syslog.Dial(opt.Network, opt.Address, syslog.LOG_INFO|syslog.LOG_DAEMON, opt.Tag)
	if err != nil {
		return nil, err
	}
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= opt.Level {
			levels = append(levels, l)
		}
	}
	return &SyslogHook{writer: writer, levels: levels}, nil
}

func (h *SyslogHook) Levels() []logrus.Level {
	return h.levels
}

func (h *SyslogHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	line = strings.TrimSuffix(line, "\n")
	switch e.Level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return h.writer.Crit(line)
	case logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	case logrus.InfoLevel:
		return h.writer.Info(line)
	default:
		return h.writer.Debug(line)
	}
}

func (h *SyslogHook) Close() error {
	return h.writer.Close()
}
