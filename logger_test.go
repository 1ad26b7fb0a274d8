package ruledns

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestParseVerbosity(t *testing.T) {
	tests := map[string]logrus.Level{
		"":      logrus.InfoLevel,
		"0":     logrus.ErrorLevel,
		"2":     logrus.InfoLevel,
		"4":     logrus.TraceLevel,
		"debug": logrus.DebugLevel,
		"WARN":  logrus.WarnLevel,
	}
	for in, level := range tests {
		l, err := ParseVerbosity(in)
		require.NoError(t, err, in)
		require.Equal(t, level, l, in)
	}
	for _, in := range []string{"5", "-1", "loud"} {
		_, err := ParseVerbosity(in)
		require.Error(t, err, in)
	}
}
