package engine

import (
	"errors"
	"fmt"

	"github.com/ipsix/reconsync/internal/registry"
)

var (
	ErrStopped       = errors.New("engine is not running")
	ErrUnknownScan   = errors.New("unknown scan")
	ErrInvalidIntent = errors.New("invalid intent")
)

// ConflictError describes an update that lost the progress tie-break
// against the value already held. It is logged and counted, never shown to
// the operator.
type ConflictError struct {
	ScanID   string
	Held     registry.Source
	Incoming registry.Source
	HeldPct  int
	InPct    int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scan %s: %s update at %d%% lost to %s value at %d%%", e.ScanID, e.Incoming, e.InPct, e.Held, e.HeldPct)
}
