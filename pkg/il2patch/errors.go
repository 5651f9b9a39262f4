package il2patch

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is in callers.
var (
	// ErrConfiguration means build tools or signing inputs are missing or invalid.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrConfigNotFound means the configuration file does not exist.
	ErrConfigNotFound = errors.New("configuration file not found")
	// ErrInputNotFound means a required input (archive, descriptor source, lib root) is absent.
	ErrInputNotFound = errors.New("input not found")
	// ErrNoArchitectures means the archive has no architecture with a patchable payload.
	ErrNoArchitectures = fmt.Errorf("%w: no usable architectures", ErrInputNotFound)
	// ErrDescriptorSource means the descriptor document exists but could not be parsed.
	ErrDescriptorSource = errors.New("malformed patch descriptor source")
	// ErrPatternDecode means a descriptor contains malformed hex.
	ErrPatternDecode = errors.New("invalid byte pattern")
	// ErrLengthMismatch means a descriptor's replace pattern differs in length from its find pattern.
	ErrLengthMismatch = errors.New("replace length differs from find length")
	// ErrBufferOverrun means a replace write would fall outside the payload buffer.
	ErrBufferOverrun = errors.New("patch write exceeds buffer bounds")
	// ErrArchiveIO means reading the source archive or writing the rebuilt archive failed.
	ErrArchiveIO = errors.New("archive I/O failure")
	// ErrExternalTool means zipalign or apksigner failed.
	ErrExternalTool = errors.New("external tool failed")
	// ErrNoV1Signature means the archive carries no JAR (v1) signature block.
	ErrNoV1Signature = errors.New("no v1 signature found")
)

// PatternDecodeError describes a descriptor that was rejected while loading.
type PatternDecodeError struct {
	Index  int    // position of the descriptor in its source document
	Field  string // "find", "replace", "arch" ...
	Input  string
	Reason string
}

func (e *PatternDecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("patch #%d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("patch #%d: %s %q: %s", e.Index, e.Field, e.Input, e.Reason)
}

// Is reports ErrPatternDecode, or ErrLengthMismatch for length violations.
func (e *PatternDecodeError) Is(target error) bool {
	if target == ErrLengthMismatch {
		return e.Reason == ErrLengthMismatch.Error()
	}
	return target == ErrPatternDecode
}

// ExternalToolError is returned when an external process exits non-zero or times out.
type ExternalToolError struct {
	Tool     string
	ExitCode int
	TimedOut bool
	Output   string
	Err      error
}

func (e *ExternalToolError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s timed out", e.Tool)
	}
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ExternalToolError) Is(target error) bool { return target == ErrExternalTool }

func (e *ExternalToolError) Unwrap() error { return e.Err }
