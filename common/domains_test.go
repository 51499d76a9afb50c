package common

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/require"

	"github.com/yie1d/pydoll-sub000/log"
)

// recordingExecutor counts the commands that actually hit the wire.
type recordingExecutor struct {
	mu      sync.Mutex
	methods []string
	err     error
}

func (e *recordingExecutor) Execute(
	_ context.Context, method string, _ easyjson.Marshaler, _ easyjson.Unmarshaler,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.methods = append(e.methods, method)
	return nil
}

func (e *recordingExecutor) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.methods...)
}

func TestDomainManagerEnableDisableIdempotent(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	m := NewDomainManager(exec, log.NewNullLogger())
	ctx := context.Background()

	require.False(t, m.Enabled("Network"))
	require.NoError(t, m.Enable(ctx, "Network"))
	require.NoError(t, m.Enable(ctx, "Network"))
	require.True(t, m.Enabled("Network"))

	require.NoError(t, m.Disable(ctx, "Network"))
	require.NoError(t, m.Disable(ctx, "Network"))
	require.False(t, m.Enabled("Network"))

	// Only one enable and one disable went over the wire.
	require.Equal(t, []string{"Network.enable", "Network.disable"}, exec.calls())
}

func TestDomainManagerDisableWithoutEnable(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	m := NewDomainManager(exec, log.NewNullLogger())

	require.NoError(t, m.Disable(context.Background(), "Page"))
	require.Empty(t, exec.calls())
}

func TestDomainManagerEnableError(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{err: errors.New("wire down")}
	m := NewDomainManager(exec, log.NewNullLogger())

	require.ErrorContains(t, m.Enable(context.Background(), "Network"), "wire down")
	require.False(t, m.Enabled("Network"))
}

func TestDomainManagerWithDomainRestores(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	m := NewDomainManager(exec, log.NewNullLogger())
	ctx := context.Background()

	err := m.WithDomain(ctx, "Network", func() error {
		require.True(t, m.Enabled("Network"))
		return nil
	})
	require.NoError(t, err)
	require.False(t, m.Enabled("Network"))
	require.Equal(t, []string{"Network.enable", "Network.disable"}, exec.calls())
}

func TestDomainManagerWithDomainKeepsEnabled(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	m := NewDomainManager(exec, log.NewNullLogger())
	ctx := context.Background()

	require.NoError(t, m.Enable(ctx, "Network"))
	require.NoError(t, m.WithDomain(ctx, "Network", func() error { return nil }))

	// Already enabled before, so it stays enabled and no disable is sent.
	require.True(t, m.Enabled("Network"))
	require.Equal(t, []string{"Network.enable"}, exec.calls())
}

func TestDomainManagerWithDomainRestoresOnError(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	m := NewDomainManager(exec, log.NewNullLogger())
	boom := errors.New("boom")

	err := m.WithDomain(context.Background(), "Network", func() error { return boom })
	require.ErrorIs(t, err, boom)
	require.False(t, m.Enabled("Network"))
	require.Equal(t, []string{"Network.enable", "Network.disable"}, exec.calls())
}
