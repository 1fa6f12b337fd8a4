package logger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observed(t *testing.T) (*Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return FromZap(zap.New(core), "pepper"), logs
}

func TestSessionIDIsHashed(t *testing.T) {
	l, logs := observed(t)
	l.Info("cart touched", "session_id", "gst_1700000000000_abc", "op", "add")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	masked, ok := fields["session_id"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(masked, "hash:"))
	assert.NotContains(t, masked, "gst_")
	assert.Equal(t, "add", fields["op"])
}

func TestTokensAreRedacted(t *testing.T) {
	l, logs := observed(t)
	l.Warn("bad auth", "bearer_token", "eyJhbGciOi...", "Authorization", "Bearer x")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "[REDACTED]", fields["bearer_token"])
	assert.Equal(t, "[REDACTED]", fields["Authorization"])
}

func TestWithKeepsMasking(t *testing.T) {
	l, logs := observed(t)
	l.With("user_id", "u-42").Error("boom")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, l.Mask("u-42"), fields["user_id"])
}

func TestMask_StableAndSalted(t *testing.T) {
	a := FromZap(zap.NewNop(), "one")
	b := FromZap(zap.NewNop(), "two")

	assert.Equal(t, a.Mask("s"), a.Mask("s"))
	assert.NotEqual(t, a.Mask("s"), b.Mask("s"))
	assert.Equal(t, "", a.Mask(""))
}

func TestOddKeyValuesDoNotPanic(t *testing.T) {
	l, logs := observed(t)
	assert.NotPanics(t, func() { l.Info("odd", "dangling") })
	assert.NotZero(t, logs.FilterMessage("odd").Len())
}
