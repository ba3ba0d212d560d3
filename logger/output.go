package logger

// Output controls what categories of information are shown at each verbosity level.
//
// Unlike log levels (which filter by severity), output categories control
// WHAT types of information are displayed regardless of severity.
//
// Verbosity Levels:
//
//	0 (default) - User-facing output only: results, errors with hints
//	1 (-v)      - + startup info, join/leave events, absorption stage changes
//	2 (-vv)     - + coherence ticks, routing decisions, config loaded
//	3 (-vvv)    - + firewall matches, persistence writes, internal flow
//	4 (-vvvv)   - + SQL queries, full message payloads, snapshot dumps

// OutputCategory defines a category of output that can be enabled/disabled
type OutputCategory int

const (
	// Level 0 (default) - Always shown
	OutputResults    OutputCategory = iota // Command output
	OutputErrors                           // Errors with hints
	OutputUserStatus                       // Final success/failure status

	// Level 1 (-v) - Informational
	OutputProgress      // Progress indicators
	OutputStartup       // Startup banners, config summary
	OutputClientEvents  // join/leave events
	OutputAbsorption    // absorption stage transitions
	OutputOperationInfo // High-level operation summaries

	// Level 2 (-vv) - Detailed
	OutputCoherence    // Kuramoto tick/order-parameter updates
	OutputRouting      // thermodynamic router decisions
	OutputTiming       // operation timing
	OutputConfig       // config values loaded/applied
	OutputHTTPRequests // HTTP admin surface requests
	OutputDBStats      // database statistics and connection info

	// Level 3 (-vvv) - Debug
	OutputFirewall     // firewall pattern matches
	OutputPersistence  // persistence writes
	OutputInternalFlow // internal operation flow (function entry/exit)
	OutputRateLimit    // rate limiter decisions

	// Level 4 (-vvvv) - Full dump
	OutputSQLQueries // full SQL queries executed
	OutputPayloads   // full message envelope payloads
	OutputSnapshots  // full metadata snapshot dumps
)

// categoryLevels maps each output category to its minimum verbosity level
var categoryLevels = map[OutputCategory]int{
	OutputResults:    VerbosityUser,
	OutputErrors:     VerbosityUser,
	OutputUserStatus: VerbosityUser,

	OutputProgress:      VerbosityInfo,
	OutputStartup:       VerbosityInfo,
	OutputClientEvents:  VerbosityInfo,
	OutputAbsorption:    VerbosityInfo,
	OutputOperationInfo: VerbosityInfo,

	OutputCoherence:    VerbosityDebug,
	OutputRouting:      VerbosityDebug,
	OutputTiming:       VerbosityDebug,
	OutputConfig:       VerbosityDebug,
	OutputHTTPRequests: VerbosityDebug,
	OutputDBStats:      VerbosityDebug,

	OutputFirewall:     VerbosityTrace,
	OutputPersistence:  VerbosityTrace,
	OutputInternalFlow: VerbosityTrace,
	OutputRateLimit:    VerbosityTrace,

	OutputSQLQueries: VerbosityAll,
	OutputPayloads:   VerbosityAll,
	OutputSnapshots:  VerbosityAll,
}

// ShouldOutput returns true if the given category should be shown at the given verbosity
func ShouldOutput(verbosity int, category OutputCategory) bool {
	minLevel, ok := categoryLevels[category]
	if !ok {
		return verbosity >= VerbosityAll
	}
	return verbosity >= minLevel
}

var categoryNames = map[OutputCategory]string{
	OutputResults:       "results",
	OutputErrors:        "errors",
	OutputUserStatus:    "status",
	OutputProgress:      "progress",
	OutputStartup:       "startup",
	OutputClientEvents:  "client-events",
	OutputAbsorption:    "absorption",
	OutputOperationInfo: "operation-info",
	OutputCoherence:     "coherence",
	OutputRouting:       "routing",
	OutputTiming:        "timing",
	OutputConfig:        "config",
	OutputHTTPRequests:  "http-requests",
	OutputDBStats:       "db-stats",
	OutputFirewall:      "firewall",
	OutputPersistence:   "persistence",
	OutputInternalFlow:  "internal-flow",
	OutputRateLimit:     "rate-limit",
	OutputSQLQueries:    "sql-queries",
	OutputPayloads:      "payloads",
	OutputSnapshots:     "snapshots",
}

// CategoryName returns the human-readable name for an output category
func CategoryName(category OutputCategory) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return "unknown"
}

// EnabledCategories returns all output categories enabled at the given verbosity
func EnabledCategories(verbosity int) []OutputCategory {
	var enabled []OutputCategory
	for cat, minLevel := range categoryLevels {
		if verbosity >= minLevel {
			enabled = append(enabled, cat)
		}
	}
	return enabled
}

// VerbosityDescription returns a description of what's shown at each level
func VerbosityDescription(verbosity int) string {
	switch verbosity {
	case VerbosityUser:
		return "results and errors only"
	case VerbosityInfo:
		return "results, errors, progress, client/absorption events"
	case VerbosityDebug:
		return "above + coherence ticks, routing, config"
	case VerbosityTrace:
		return "above + firewall matches, persistence, internal flow"
	case VerbosityAll:
		return "above + SQL queries, full payloads, snapshot dumps"
	default:
		if verbosity > VerbosityAll {
			return "maximum verbosity"
		}
		return "unknown verbosity level"
	}
}

// Timing helpers

// SlowThresholdMS is the threshold in milliseconds above which timing is always shown
const SlowThresholdMS = 100

// ShouldShowTiming returns true if timing info should be displayed.
// Shows if: verbosity >= 2 (-vv) OR operation exceeded slow threshold.
func ShouldShowTiming(verbosity int, durationMS int64) bool {
	if durationMS >= SlowThresholdMS {
		return true
	}
	return ShouldOutput(verbosity, OutputTiming)
}

// ShouldShowTimingAlways returns true if timing should always be shown (slow operation)
func ShouldShowTimingAlways(durationMS int64) bool {
	return durationMS >= SlowThresholdMS
}
