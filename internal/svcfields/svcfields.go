// Package svcfields keeps the subsystem tagging convention for log entries
// in one place so every component labels itself the same way.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins the parts into a dot-delimited subsystem path, skipping
// empty fragments and stray separators.
func Subsystem(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return ""
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns a logger that tags every entry with the subsystem
// path. A nil logger degrades to the no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
