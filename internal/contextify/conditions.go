package contextify

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/buildinfo"
)

// Conditions provides the "Current Conditions" section: wall-clock
// time, host, and agent version. Placed early in the prompt because
// time of day affects most household decisions.
type Conditions struct {
	timezone string
}

// NewConditions creates a conditions provider. The timezone is an IANA
// name; empty or invalid falls back to the system local timezone.
func NewConditions(timezone string) *Conditions {
	return &Conditions{timezone: timezone}
}

// GetContext satisfies the Provider interface.
func (c *Conditions) GetContext(_ context.Context, _ string) (string, error) {
	var sb strings.Builder

	sb.WriteString("# Current Conditions\n\n")

	loc := time.Now().Location()
	tzResolved := false
	if c.timezone != "" {
		if parsed, err := time.LoadLocation(c.timezone); err == nil {
			loc = parsed
			tzResolved = true
		}
	}
	now := time.Now().In(loc)
	zoneName, _ := now.Zone()

	sb.WriteString("**Time:** ")
	sb.WriteString(now.Format("Monday, January 2, 2006 at 15:04 "))
	sb.WriteString(zoneName)
	if tzResolved && c.timezone != zoneName {
		sb.WriteString(" (")
		sb.WriteString(c.timezone)
		sb.WriteString(")")
	}
	sb.WriteString("\n")

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	sb.WriteString(fmt.Sprintf("**Host:** %s (%s/%s)\n", hostname, runtime.GOOS, runtime.GOARCH))
	sb.WriteString(fmt.Sprintf("**Hearth:** %s (%s)\n", buildinfo.Version, buildinfo.GitCommit))
	sb.WriteString(fmt.Sprintf("**Uptime:** %s", formatUptime(buildinfo.Uptime())))

	return sb.String(), nil
}

// formatUptime renders a duration as "2d 5h", "4h 23m", "45m", "30s".
func formatUptime(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
