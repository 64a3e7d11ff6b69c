/*Package persist provides the write-side contract the acquisition
controller records completed trials through, and a FITS-backed
implementation of it.

The controller only opens and closes the grouping levels (experiment,
epoch group, epoch block) and serializes epochs; everything about the
binary layout is this package's business.  Callers may assume the
controller invokes a Persistor from a single persistence task at a time.
*/
package persist

import (
	"time"

	"github.com/neuroacq/neuroacq/epoch"
)

// Handle identifies a persisted epoch within its archive
type Handle string

// Persistor records completed epochs into a hierarchical archive
type Persistor interface {
	// BeginExperiment opens the top-level grouping of the archive
	BeginExperiment(purpose string, start time.Time) error

	// EndExperiment closes the top-level grouping
	EndExperiment(end time.Time) error

	// BeginEpochGroup opens a labelled grouping of epoch blocks,
	// attributed to a source (a cell, a preparation)
	BeginEpochGroup(label, source string, start time.Time) error

	// EndEpochGroup closes the innermost open epoch group
	EndEpochGroup(end time.Time) error

	// BeginEpochBlock opens a block of epochs produced by one protocol
	BeginEpochBlock(protocolID string, parameters map[string]interface{}, start time.Time) error

	// EndEpochBlock closes the open epoch block
	EndEpochBlock(end time.Time) error

	// Serialize records one completed epoch and returns its handle
	Serialize(e *epoch.Epoch) (Handle, error)

	// Close flushes and closes the archive
	Close() error
}

// Null is a Persistor that records nothing and remembers what it was
// asked to record; tests use it to observe the controller's persistence
// behavior
type Null struct {
	// Serialized holds the epochs handed to Serialize, in order
	Serialized []*epoch.Epoch

	// Blocks counts BeginEpochBlock/EndEpochBlock pairs opened and
	// closed
	Blocks int

	openBlocks int
}

// BeginExperiment records nothing
func (n *Null) BeginExperiment(purpose string, start time.Time) error { return nil }

// EndExperiment records nothing
func (n *Null) EndExperiment(end time.Time) error { return nil }

// BeginEpochGroup records nothing
func (n *Null) BeginEpochGroup(label, source string, start time.Time) error { return nil }

// EndEpochGroup records nothing
func (n *Null) EndEpochGroup(end time.Time) error { return nil }

// BeginEpochBlock opens a block
func (n *Null) BeginEpochBlock(protocolID string, parameters map[string]interface{}, start time.Time) error {
	n.openBlocks++
	return nil
}

// EndEpochBlock closes a block
func (n *Null) EndEpochBlock(end time.Time) error {
	n.openBlocks--
	n.Blocks++
	return nil
}

// Serialize remembers the epoch
func (n *Null) Serialize(e *epoch.Epoch) (Handle, error) {
	n.Serialized = append(n.Serialized, e)
	return Handle(e.ProtocolID), nil
}

// Close does nothing
func (n *Null) Close() error { return nil }
