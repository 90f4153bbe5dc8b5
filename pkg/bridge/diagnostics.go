package bridge

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/gwillem/spotweb/pkg/robot"
)

// CheckStatus is the outcome of one probe.
type CheckStatus string

const (
	Pass CheckStatus = "pass"
	Warn CheckStatus = "warn"
	Fail CheckStatus = "fail"
)

// Check is one probe result.
type Check struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
}

// Probe is one step of a diagnostic chain. Abort is the chain summary used
// when the probe fails and the chain short-circuits.
type Probe struct {
	Name  string
	Run   func(ctx context.Context) (CheckStatus, string)
	Abort string
}

// runChain runs probes in order. With shortCircuit set, the first failing
// probe ends the chain and its Abort text is returned.
func runChain(ctx context.Context, probes []Probe, shortCircuit bool) ([]Check, string) {
	checks := make([]Check, 0, len(probes))
	for _, p := range probes {
		status, msg := runProbe(ctx, p)
		checks = append(checks, Check{Name: p.Name, Status: status, Message: msg})
		if status == Fail && shortCircuit {
			return checks, p.Abort
		}
	}
	return checks, ""
}

func runProbe(ctx context.Context, p Probe) (status CheckStatus, msg string) {
	defer func() {
		if r := recover(); r != nil {
			status, msg = Fail, fmt.Sprintf("internal error: %v", r)
		}
	}()
	return p.Run(ctx)
}

func count(checks []Check) (pass, fail, warn int) {
	for _, c := range checks {
		switch c.Status {
		case Pass:
			pass++
		case Fail:
			fail++
		case Warn:
			warn++
		}
	}
	return pass, fail, warn
}

// truncate shortens error text in probe messages.
func truncate(s string) string {
	const limit = 100
	if len(s) <= limit {
		return s
	}
	i := limit
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i] + "..."
}

func (s *Supervisor) resolveProbe(host string) Probe {
	tr := s.provider.Transport()
	return Probe{
		Name: "DNS Resolution",
		Run: func(ctx context.Context) (CheckStatus, string) {
			ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
			defer cancel()
			addr, err := tr.Resolve(ctx, host)
			if err != nil {
				return Fail, fmt.Sprintf("Failed to resolve %s: %v", host, err)
			}
			return Pass, fmt.Sprintf("Resolved %s to %s", host, addr)
		},
	}
}

func (s *Supervisor) reachProbe(host string) Probe {
	tr := s.provider.Transport()
	return Probe{
		Name:  "Network Connectivity",
		Abort: "Network unreachable",
		Run: func(ctx context.Context) (CheckStatus, string) {
			ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
			defer cancel()
			if err := tr.Reach(ctx, host); err != nil {
				return Fail, fmt.Sprintf("Cannot reach %s: %v", tr.Address(host), err)
			}
			return Pass, fmt.Sprintf("Can reach %s", tr.Address(host))
		},
	}
}

// Diagnose checks the network path to host and, when connected, the lease and
// e-stop keepalives. Every check runs; the result is always OK.
func (s *Supervisor) Diagnose(ctx context.Context, host string) Result {
	return s.do("diagnose", func() Result {
		probes := []Probe{
			s.resolveProbe(host),
			s.reachProbe(host),
			{
				Name: "Robot Connection",
				Run: func(context.Context) (CheckStatus, string) {
					if !s.Connected() {
						return Fail, "Not connected to robot"
					}
					return Pass, "Connected to robot"
				},
			},
		}
		if c, ok := s.current(); ok {
			probes = append(probes,
				Probe{
					Name: "Lease Status",
					Run: func(context.Context) (CheckStatus, string) {
						if !c.lease.Active() {
							return Warn, "No lease acquired"
						}
						if n, err := c.lease.Health(); n > 0 {
							return Warn, fmt.Sprintf("Lease active, %d refresh failures: %v", n, err)
						}
						return Pass, "Lease active"
					},
				},
				Probe{
					Name: "E-Stop Status",
					Run: func(context.Context) (CheckStatus, string) {
						switch {
						case !c.estop.Active():
							return Warn, "E-Stop not configured"
						case c.estop.Stopped():
							return Warn, "E-Stop is asserted"
						}
						if n, err := c.estop.Health(); n > 0 {
							return Warn, fmt.Sprintf("E-Stop active, %d check-in failures: %v", n, err)
						}
						return Pass, "E-Stop configured and active"
					},
				},
			)
		}

		checks, _ := runChain(ctx, probes, false)
		pass, failed, warn := count(checks)
		overall := "healthy"
		if failed > 0 {
			overall = "degraded"
		}
		s.log.Info().Int("passed", pass).Int("failed", failed).Int("warnings", warn).Msg("diagnostics complete")
		return success(map[string]any{
			"summary":        fmt.Sprintf("%d passed, %d failed, %d warnings", pass, failed, warn),
			"checks":         checks,
			"overall_status": overall,
			"passed":         pass,
			"failed":         failed,
			"warnings":       warn,
		})
	})
}

// TestConnection probes reachability, identity, authentication and clock
// sync in order, stopping at the first failure. A clock sync failure is only
// a warning. The probe session is closed afterwards.
func (s *Supervisor) TestConnection(ctx context.Context, t Target) Result {
	return s.do("test_connection", func() Result {
		var session robot.Session
		defer func() {
			if session != nil {
				if err := session.Close(); err != nil {
					s.log.Warn().Err(err).Msg("close probe session")
				}
			}
		}()

		probes := []Probe{
			s.reachProbe(t.Host),
			{
				Name:  "Robot ID Query",
				Abort: "Robot unreachable",
				Run: func(ctx context.Context) (CheckStatus, string) {
					ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
					defer cancel()
					id, err := s.provider.Identify(ctx, t.Host)
					if err != nil {
						return Fail, "Cannot get robot ID: " + truncate(err.Error())
					}
					return Pass, fmt.Sprintf("Robot found: %s (%s)", id.Nickname, id.Serial)
				},
			},
			{
				Name:  "Authentication",
				Abort: "Authentication failed",
				Run: func(ctx context.Context) (CheckStatus, string) {
					ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
					defer cancel()
					var err error
					session, err = s.provider.Authenticate(ctx, t.Host, t.Username, t.Password)
					if err != nil {
						return Fail, "Auth failed: " + truncate(err.Error())
					}
					return Pass, "Credentials accepted"
				},
			},
			{
				Name: "Time Synchronization",
				Run: func(ctx context.Context) (CheckStatus, string) {
					ctx, cancel := context.WithTimeout(ctx, ClockSyncTimeout)
					defer cancel()
					if err := session.SyncClock(ctx); err != nil {
						return Warn, "Time sync issue: " + truncate(err.Error())
					}
					return Pass, "Clock synchronized"
				},
			},
		}

		checks, abort := runChain(ctx, probes, true)
		pass, failed, _ := count(checks)
		summary := abort
		if summary == "" {
			if failed == 0 {
				summary = fmt.Sprintf("All tests passed (%d/%d)", pass, len(checks))
			} else {
				summary = fmt.Sprintf("%d test(s) failed", failed)
			}
		}
		ready := failed == 0
		s.log.Info().Bool("ready", ready).Str("summary", summary).Msg("connection test complete")
		return success(map[string]any{
			"tests":            checks,
			"summary":          summary,
			"ready_to_connect": ready,
		})
	})
}
