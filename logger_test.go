package wfi32bridge

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zabooh/wfi32-bridge-v2/config"
	"github.com/zabooh/wfi32-bridge-v2/test"
)

func TestConfigLogger(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging:\n  level: debug\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.DebugLevel, l.Level)
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	require.NoError(t, c.LoadString("logging:\n  level: info\n  format: json\n"))
	require.NoError(t, configLogger(l, c))
	assert.Equal(t, logrus.InfoLevel, l.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	require.NoError(t, c.LoadString("logging:\n  level: bogus\n"))
	require.Error(t, configLogger(l, c))

	require.NoError(t, c.LoadString("logging:\n  format: xml\n"))
	err := configLogger(l, c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log format")
}

func TestConfigLoggerTimestamps(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)

	require.NoError(t, c.LoadString("logging:\n  timestamp_format: \"2006-01-02\"\n"))
	require.NoError(t, configLogger(l, c))
	tf, ok := l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.Equal(t, "2006-01-02", tf.TimestampFormat)
	assert.True(t, tf.FullTimestamp)

	require.NoError(t, c.LoadString("logging:\n  disable_timestamp: true\n"))
	require.NoError(t, configLogger(l, c))
	tf, ok = l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.True(t, tf.DisableTimestamp)
	assert.False(t, tf.FullTimestamp)
}
