package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrLedgerNotReady is a configuration error: Initialize has not succeeded.
	ErrLedgerNotReady = errors.New("capital ledger not initialized")
	// ErrExitAuthorityNotReady is a configuration error: no exit-state store.
	ErrExitAuthorityNotReady = errors.New("exit authority not initialized")
	// ErrNoRunEpoch means run-scoped equity was requested before SetRunEpoch.
	ErrNoRunEpoch = errors.New("run epoch not set")
	// ErrStaleCapitalState means a conditional capital write lost a race.
	ErrStaleCapitalState = errors.New("capital state changed underneath update")
	// ErrTradeNotFound is returned by stores when no trade row matches.
	ErrTradeNotFound = errors.New("trade not found")
)

// PersistenceError wraps any store read/write failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a *PersistenceError unless it is nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// NormalizationError means the valuation collaborator could not produce a
// trustworthy USD fill. Always a hard abort for capital decisions.
type NormalizationError struct {
	Pool    string
	Stage   string // entry | exit | mtm
	Context map[string]float64
	Err     error
}

func (e *NormalizationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "normalization failed for pool %s at %s", e.Pool, e.Stage)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%g", k, e.Context[k])
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// FatalKind names an invariant breach that must halt all trading.
type FatalKind string

const (
	FatalPhantomEquity        FatalKind = "phantom_equity"
	FatalRestartEquity        FatalKind = "restart_equity"
	FatalReconciliationSealed FatalKind = "reconciliation_sealed"
	FatalLedgerInconsistent   FatalKind = "ledger_inconsistent"
)

// FatalError is an accounting invariant breach. The scheduler stops trading
// when it sees one; library code never exits the process.
type FatalError struct {
	Kind   FatalKind
	Detail string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("FATAL %s: %s", e.Kind, e.Detail)
}

// Fatal builds a *FatalError with a formatted detail.
func Fatal(kind FatalKind, format string, args ...any) error {
	return &FatalError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// FatalKindOf returns the kind of a wrapped *FatalError, or "".
func FatalKindOf(err error) FatalKind {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
