package log

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoggerWithHook(t *testing.T) (*Logger, *logrustest.Hook) {
	t.Helper()

	backing := logrus.New()
	backing.SetOutput(io.Discard)
	backing.SetLevel(logrus.DebugLevel)
	return New(backing), logrustest.NewLocal(backing)
}

func TestLoggerFields(t *testing.T) {
	t.Parallel()

	logger, hook := newLoggerWithHook(t)
	logger.Debugf("Browser:connect", "wsURL:%q", "ws://127.0.0.1:9222")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, `wsURL:"ws://127.0.0.1:9222"`, entry.Message)
	assert.Equal(t, "Browser:connect", entry.Data["category"])
	assert.Contains(t, entry.Data, "elapsed")
	assert.Contains(t, entry.Data, "goroutine")
}

func TestLoggerLevelGate(t *testing.T) {
	t.Parallel()

	logger, hook := newLoggerWithHook(t)
	require.NoError(t, logger.SetLevel("info"))

	logger.Tracef("cdp:send", "-> %s", "msg")
	logger.Debugf("cdp:recv", "<- %s", "msg")
	assert.Nil(t, hook.LastEntry())

	logger.Warnf("Connection:recvLoop", "dropping malformed frame")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestLoggerSetLevel(t *testing.T) {
	t.Parallel()

	logger := NewNullLogger()
	require.NoError(t, logger.SetLevel("debug"))
	assert.True(t, logger.DebugMode())

	require.NoError(t, logger.SetLevel("warning"))
	assert.False(t, logger.DebugMode())

	require.ErrorContains(t, logger.SetLevel("bogus"), "invalid log level")
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	logger, hook := newLoggerWithHook(t)
	require.NoError(t, logger.SetCategoryFilter("^cdp:"))

	logger.Debugf("Browser:connect", "filtered out")
	assert.Nil(t, hook.LastEntry())

	logger.Debugf("cdp:recv", "passes")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "cdp:recv", hook.LastEntry().Data["category"])

	require.Error(t, logger.SetCategoryFilter("("))
}

func TestNilLoggerDoesNotPanic(t *testing.T) {
	t.Parallel()

	var logger *Logger
	logger.Debugf("category", "must not panic")
}
