package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunInProgress is returned when a refresh cannot start because
	// another run holds the pipeline.
	ErrRunInProgress = errors.New("pipeline run already in progress")

	ErrUnknownTable  = errors.New("unknown table")
	ErrUnknownColumn = errors.New("unknown column")
	ErrUnsupported   = errors.New("operation not supported by this store")
	ErrInvalidQuery  = errors.New("invalid query")

	// ErrConfirmationRequired guards reset runs started without the
	// ResetConfirmation token.
	ErrConfirmationRequired = errors.New("reset confirmation required")
)

// ConfigurationError reports a rule or plan that cannot be applied as
// declared. It is fatal and raised before the pipeline writes anything.
type ConfigurationError struct {
	Subject string // rule id, plan entity or table name
	Reason  string
	Err     error // optional sentinel such as ErrUnknownColumn
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Subject, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(subject string, sentinel error, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Subject: subject, Reason: fmt.Sprintf(format, args...), Err: sentinel}
}

// ConnectivityError reports that the source or target store could not be
// reached. A later run can safely retry because loads are idempotent.
type ConnectivityError struct {
	Store string // "source" or "target"
	Op    string
	Err   error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error: %s %s: %v", e.Store, e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// NewConnectivityError wraps err unless it already is a ConnectivityError.
func NewConnectivityError(store, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectivityError{Store: store, Op: op, Err: err}
}

// connectivityPatterns are lower-case fragments of driver errors that mean
// the store was unreachable rather than that a statement failed.
var connectivityPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"failed to connect",
	"unable to open tcp connection",
	"server closed the connection",
	"conn closed",
}

// classifyConnectivity wraps err as a ConnectivityError when its message
// matches a known connection failure.
func classifyConnectivity(store, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, p := range connectivityPatterns {
		if strings.Contains(msg, p) {
			return &ConnectivityError{Store: store, Op: op, Err: err}
		}
	}
	return err
}

// ReferentialGap is a warning: a dependent row could not resolve a parent
// surrogate key and was written with a null reference.
type ReferentialGap struct {
	Table      string `json:"table"`
	NaturalKey string `json:"natural_key"`
	Column     string `json:"column"`
	Entity     string `json:"entity"`
	Value      string `json:"value"`
}

func (g ReferentialGap) String() string {
	return fmt.Sprintf("referential gap: %s[%s].%s -> %s(%s) unresolved", g.Table, g.NaturalKey, g.Column, g.Entity, g.Value)
}

// ValidationRemoval counts rows a destructive rule removed from a table.
type ValidationRemoval struct {
	Table string   `json:"table"`
	Rule  string   `json:"rule"`
	Kind  RuleKind `json:"kind"`
	Count int      `json:"count"`
}

// StageError reports the stage that aborted a run. Report holds every
// stage completed before the failure.
type StageError struct {
	Stage  Stage
	Err    error
	Report *RunReport
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// gapSampler keeps the first n gaps and counts the rest.
type gapSampler struct {
	limit int
	total int
	gaps  []ReferentialGap
}

func newGapSampler(limit int) *gapSampler {
	return &gapSampler{limit: limit}
}

func (s *gapSampler) add(g ReferentialGap) {
	s.total++
	if s.limit < 0 || len(s.gaps) < s.limit {
		s.gaps = append(s.gaps, g)
	}
}
