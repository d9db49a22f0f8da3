package group0

import (
	"errors"
	"fmt"

	"github.com/i-melnichenko/group0-lab/internal/stateid"
)

// Status reports operational health of the state machine.
type Status string

// Runtime health states exposed by Machine.Status.
const (
	StatusHealthy Status = "healthy"
	StatusHalted  Status = "halted"
	StatusAborted Status = "aborted"
)

// ErrDecode is returned when a log entry cannot be decoded into a Command.
var ErrDecode = errors.New("group0: decode command")

// ErrApplierFailed is returned when a collaborator rejects an accepted command.
var ErrApplierFailed = errors.New("group0: applier failed")

// ErrHalted is returned by every Apply call after a fatal error.
var ErrHalted = errors.New("group0: state machine halted")

// ErrAborted is returned by operations started or interrupted after Abort.
var ErrAborted = errors.New("group0: aborted")

// ErrUnknownSnapshot is returned for operations on a snapshot id that is not registered.
var ErrUnknownSnapshot = errors.New("group0: unknown snapshot")

// ErrSnapshotExists is returned when a received snapshot reuses the id of one
// already registered on this node.
var ErrSnapshotExists = errors.New("group0: snapshot already registered")

// ErrSnapshotCorrupt is returned when a snapshot stream fails validation.
var ErrSnapshotCorrupt = errors.New("group0: corrupt snapshot stream")

// ErrTransferFailed wraps recoverable snapshot transfer failures.
var ErrTransferFailed = errors.New("group0: snapshot transfer failed")

// ErrInvalidRetention is returned when a history GC window is negative or not
// smaller than the age of the state id it is attached to.
var ErrInvalidRetention = errors.New("group0: invalid history retention")

// ErrNilLogger is returned when New is called with a nil logger.
var ErrNilLogger = errors.New("group0: nil logger")

// ErrNilEngine is returned when New is called with a nil storage engine.
var ErrNilEngine = errors.New("group0: nil storage engine")

// FatalError is a failure after which the replica must stop applying the log.
// Continuing would let it diverge from the other replicas.
type FatalError struct {
	Op      string
	StateID stateid.ID
	Err     error
}

func (e *FatalError) Error() string {
	if e.StateID.IsNil() {
		return fmt.Sprintf("group0: fatal %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("group0: fatal %s (state %s): %v", e.Op, e.StateID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
