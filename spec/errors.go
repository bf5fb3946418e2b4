package spec

import "fmt"

// ConfigError is an ambiguous or conflicting declaration. It is detected
// before any solving and scopes to the declarations it names: rules not
// depending on them proceed normally.
type ConfigError struct {
	Unit   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Unit, e.Reason)
}

// AnalysisError is a storage-layout resolution failure for one hook. The
// hook is skipped; rules not depending on it are unaffected.
type AnalysisError struct {
	Hook string
	Err  error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("cannot resolve access path for hook %s: %v", e.Hook, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }
