package bridge

import "strings"

// fixes maps failure message substrings to advice, first match wins.
// The advice is for humans only.
var fixes = []struct {
	match []string
	fix   string
}{
	{
		[]string{"authentication", "credentials", "password"},
		"Check the SPOT_USER and SPOT_PASS credentials.",
	},
	{
		[]string{"connection refused", "unreachable", "no route to host", "i/o timeout", "no such host"},
		"Check the SPOT_HOST address and network connectivity.",
	},
	{
		[]string{"lease"},
		"Another client may hold the lease. Release it from the other client or the robot admin page.",
	},
	{
		[]string{"time sync", "clock"},
		"Check the system time and NTP configuration.",
	},
	{
		[]string{"power"},
		"Power on the motors before commanding movement.",
	},
	{
		[]string{"estop", "e-stop"},
		"A physical or software e-stop may be active.",
	},
}

const defaultFix = "Check the connection and robot status. See the log for details."

// SuggestFix returns advice for a failure message.
func SuggestFix(msg string) string {
	lower := strings.ToLower(msg)
	for _, f := range fixes {
		for _, m := range f.match {
			if strings.Contains(lower, m) {
				return f.fix
			}
		}
	}
	return defaultFix
}
