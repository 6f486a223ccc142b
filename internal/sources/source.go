package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Class selects which data path a fetch goes through.
type Class string

const (
	ClassRealtime   Class = "realtime"
	ClassHistorical Class = "historical"
)

// Source is the capability every upstream data source exposes. Implementations
// own their rate limiting and declare their own per-call timeout and retry
// budget; the orchestrator enforces the timeout via context.
type Source interface {
	Name() string
	Timeout() time.Duration
	Retries() int
	FetchRealtime(ctx context.Context, code string) (*Record, error)
	FetchHistory(ctx context.Context, code, date string) (*Record, error)
	Close() error
}

// SessionSource marks sources that need a stateful session bracketing their
// calls. Login runs before the source's first fetch, Logout after its last,
// including on failure.
type SessionSource interface {
	Source
	Login(ctx context.Context) error
	Logout() error
}

// Record is one security's prices for one trading date, normalized from any
// source. Open/High/Low/Volume/Amount may be nil when a source does not carry
// them; a later higher-fidelity source backfills via the idempotent upsert.
type Record struct {
	Code      string // 6-digit A-share code
	Date      string // trading date, YYYY-MM-DD
	Open      *float64
	High      *float64
	Low       *float64
	Close     float64
	Volume    *int64
	Amount    *float64
	Name      string
	Source    string // which source produced it, set by the orchestrator
	FetchedAt time.Time
}

// ErrNoData reports a legitimate empty result (non-trading day). It is a
// definitive outcome, not a failure: callers stop the fallback walk on it.
var ErrNoData = errors.New("no data for date")

// Validate checks a record is plausible before it is committed: required
// fields present, prices non-negative, high >= low, close within [low, high]
// when all three are present.
func Validate(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}

	rec.Code = strings.TrimSpace(rec.Code)
	if len(rec.Code) != 6 {
		return fmt.Errorf("bad code %q", rec.Code)
	}
	if _, err := time.Parse("2006-01-02", rec.Date); err != nil {
		return fmt.Errorf("bad date %q", rec.Date)
	}

	if rec.Close <= 0 {
		return fmt.Errorf("close must be positive, got %.4f", rec.Close)
	}
	for _, p := range []struct {
		name string
		v    *float64
	}{{"open", rec.Open}, {"high", rec.High}, {"low", rec.Low}} {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %.4f", p.name, *p.v)
		}
	}

	if rec.High != nil && rec.Low != nil {
		if *rec.High < *rec.Low {
			return fmt.Errorf("high (%.4f) < low (%.4f)", *rec.High, *rec.Low)
		}
		if rec.Close < *rec.Low || rec.Close > *rec.High {
			return fmt.Errorf("close (%.4f) outside [%.4f, %.4f]", rec.Close, *rec.Low, *rec.High)
		}
	}

	if rec.Volume != nil && *rec.Volume < 0 {
		return fmt.Errorf("negative volume: %d", *rec.Volume)
	}

	return nil
}

// Error types for a single source attempt.
const (
	ErrTypeTimeout     = "timeout"
	ErrTypeTransport   = "transport"
	ErrTypeParse       = "parse"
	ErrTypeValidation  = "validation"
	ErrTypeSession     = "session"
	ErrTypeUnsupported = "unsupported"
)

// SourceError classifies one failed attempt against one source.
type SourceError struct {
	Type    string
	Source  string
	Code    string
	Message string
	Cause   error
}

func (e *SourceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error from %s for %s: %s (%v)", e.Type, e.Source, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error from %s for %s: %s", e.Type, e.Source, e.Code, e.Message)
}

func (e *SourceError) Unwrap() error { return e.Cause }

func NewTimeoutError(source, code string, cause error) *SourceError {
	return &SourceError{Type: ErrTypeTimeout, Source: source, Code: code, Message: "call timed out", Cause: cause}
}

func NewTransportError(source, code, message string, cause error) *SourceError {
	return &SourceError{Type: ErrTypeTransport, Source: source, Code: code, Message: message, Cause: cause}
}

func NewParseError(source, code, message string, cause error) *SourceError {
	return &SourceError{Type: ErrTypeParse, Source: source, Code: code, Message: message, Cause: cause}
}

func NewValidationError(source, code string, cause error) *SourceError {
	return &SourceError{Type: ErrTypeValidation, Source: source, Code: code, Message: "implausible record", Cause: cause}
}

func NewSessionError(source, message string, cause error) *SourceError {
	return &SourceError{Type: ErrTypeSession, Source: source, Message: message, Cause: cause}
}

func NewUnsupportedError(source, code string, class Class) *SourceError {
	return &SourceError{Type: ErrTypeUnsupported, Source: source, Code: code, Message: fmt.Sprintf("class %s not supported", class)}
}
