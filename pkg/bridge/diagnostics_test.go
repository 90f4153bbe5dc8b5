package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checksOf(t *testing.T, res Result, key string) []Check {
	t.Helper()
	requireOK(t, res)
	checks, ok := res.Data[key].([]Check)
	require.True(t, ok, "%s has type %T", key, res.Data[key])
	return checks
}

func TestTestConnection_Unreachable(t *testing.T) {
	s, r, _ := newTestSupervisor(t)
	r.SetUnreachable(true)

	res := s.TestConnection(context.Background(), target)
	tests := checksOf(t, res, "tests")
	require.Len(t, tests, 1)
	assert.Equal(t, "Network Connectivity", tests[0].Name)
	assert.Equal(t, Fail, tests[0].Status)
	assert.Equal(t, "Network unreachable", res.Data["summary"])
	assert.Equal(t, false, res.Data["ready_to_connect"])
}

func TestTestConnection_ClockSyncIsWarning(t *testing.T) {
	s, r, _ := newTestSupervisor(t)
	r.FailTimeSync(errors.New("clock skew 3s"))

	res := s.TestConnection(context.Background(), target)
	tests := checksOf(t, res, "tests")
	require.Len(t, tests, 4)
	assert.Equal(t, "Time Synchronization", tests[3].Name)
	assert.Equal(t, Warn, tests[3].Status)
	assert.Contains(t, tests[3].Message, "clock skew")
	assert.Equal(t, true, res.Data["ready_to_connect"])
	assert.Equal(t, 0, r.OpenSessions(), "probe session is closed")
}

func TestTestConnection_ShortCircuits(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		fault   error
		summary string
		n       int
	}{
		{"identity", target, errors.New("no such service"), "Robot unreachable", 2},
		{"auth", Target{Host: "spot", Username: "admin", Password: "x"}, nil, "Authentication failed", 3},
		{"all pass", target, nil, "All tests passed (4/4)", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, r, _ := newTestSupervisor(t)
			r.FailIdentify(tt.fault)

			res := s.TestConnection(context.Background(), tt.target)
			checks := checksOf(t, res, "tests")
			assert.Len(t, checks, tt.n)
			assert.Equal(t, tt.summary, res.Data["summary"])
			assert.Equal(t, tt.fault == nil && tt.n == 4, res.Data["ready_to_connect"])
			assert.Equal(t, 0, r.OpenSessions())
		})
	}
}

func TestDiagnose_Disconnected(t *testing.T) {
	s, _, _ := newTestSupervisor(t)

	res := s.Diagnose(context.Background(), "spot")
	checks := checksOf(t, res, "checks")
	require.Len(t, checks, 3)
	assert.Equal(t, []string{"DNS Resolution", "Network Connectivity", "Robot Connection"},
		[]string{checks[0].Name, checks[1].Name, checks[2].Name})
	assert.Equal(t, Fail, checks[2].Status)
	assert.Equal(t, "degraded", res.Data["overall_status"])
	assert.Equal(t, "2 passed, 1 failed, 0 warnings", res.Data["summary"])
}

func TestDiagnose_RunsEveryCheck(t *testing.T) {
	s, r, _ := walking(t)
	ctx := context.Background()

	res := s.Diagnose(ctx, "spot")
	checks := checksOf(t, res, "checks")
	require.Len(t, checks, 5)
	assert.Equal(t, "healthy", res.Data["overall_status"])
	assert.Equal(t, 5, res.Data["passed"])

	r.SetUnreachable(true)
	requireOK(t, s.EstopStop(ctx))
	res = s.Diagnose(ctx, "spot")
	checks = checksOf(t, res, "checks")
	require.Len(t, checks, 5, "no short-circuit")
	assert.Equal(t, Fail, checks[1].Status)
	assert.Equal(t, Warn, checks[4].Status)
	assert.Equal(t, "degraded", res.Data["overall_status"])
	assert.Equal(t, "3 passed, 1 failed, 1 warnings", res.Data["summary"])
}

func TestRunChain_RecoversPanics(t *testing.T) {
	probes := []Probe{
		{Name: "boom", Abort: "aborted", Run: func(context.Context) (CheckStatus, string) { panic("bad probe") }},
		{Name: "never", Run: func(context.Context) (CheckStatus, string) { return Pass, "" }},
	}
	checks, abort := runChain(context.Background(), probes, true)
	require.Len(t, checks, 1)
	assert.Equal(t, Fail, checks[0].Status)
	assert.Equal(t, "aborted", abort)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short"))

	long := strings.Repeat("a", 99) + strings.Repeat("é", 10)
	got := truncate(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 99)+"...", got)

	got = truncate(strings.Repeat("ü", 80))
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("ü", 50)+"...", got)
}
