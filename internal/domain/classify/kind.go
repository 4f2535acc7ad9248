package classify

// Kind is the failure category
type Kind string

const (
	KindConfig     Kind = "config"
	KindProcessing Kind = "processing"
	KindMemory     Kind = "memory"
	KindThreading  Kind = "threading"
	KindUnknown    Kind = "unknown"
)

// SystemLevel reports whether failures of this kind count against the
// circuit breaker regardless of the catastrophic verdict.
func (k Kind) SystemLevel() bool {
	switch k {
	case KindMemory, KindThreading, KindUnknown:
		return true
	default:
		return false
	}
}

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindConfig, KindProcessing, KindMemory, KindThreading, KindUnknown:
		return true
	default:
		return false
	}
}

// Suggestions returns recovery suggestions for failures of kind k
func Suggestions(k Kind) []string {
	switch k {
	case KindConfig:
		return []string{
			"Check the job parameters and try again",
			"Reset the configuration to defaults if the problem persists",
		}
	case KindProcessing:
		return []string{
			"Retry with a smaller or simpler input",
			"Increase the job timeout for long-running work",
		}
	case KindMemory:
		return []string{
			"Reduce the input size",
			"Lower the worker thread count to reduce peak memory",
			"Request a manual recovery to reload the engine",
		}
	case KindThreading:
		return []string{
			"Retry with fewer worker threads",
			"Fall back to single-threaded execution",
			"Request a manual recovery to rebuild the worker pool",
		}
	default:
		return []string{
			"Request a manual recovery to reload the engine",
			"Restart the host process if the failure persists",
		}
	}
}
