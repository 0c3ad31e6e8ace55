package index

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"indexstore/pkg/log/genwal"
	"indexstore/pkg/primitives"
	"indexstore/pkg/storage/buffer"
	"indexstore/pkg/storage/fsm"
)

func hashBytes(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Rel is the handle an access method operates on: the relation identity,
// the shared machinery below it, and the per-index configuration frozen
// at creation. No access method touches a file directly.
type Rel struct {
	ID   primitives.RelID
	Pool *buffer.Pool
	FSM  *fsm.FSM
	Log  *genwal.Log

	// Opclasses has one entry per indexed column.
	Opclasses []*Opclass

	// Unique enables duplicate checking on insert (B-tree only).
	Unique bool

	// Options is the AM-specific reloptions struct, parsed and validated
	// at creation time and immutable afterwards.
	Options any

	// Interrupt, when non-nil, is polled by long operations.
	Interrupt *primitives.InterruptFlag

	// amShared holds access-method private state shared by every
	// operation running against this handle.
	amMu     sync.Mutex
	amShared any
}

// AMShared returns the access method's private shared state for this
// relation handle, creating it on first use.
func (r *Rel) AMShared(create func() any) any {
	r.amMu.Lock()
	defer r.amMu.Unlock()
	if r.amShared == nil {
		r.amShared = create()
	}
	return r.amShared
}

// CheckForInterrupts polls the relation's cancellation flag.
func (r *Rel) CheckForInterrupts() error {
	return r.Interrupt.CheckForInterrupts()
}

// UniqueCheck selects insert-time duplicate handling.
type UniqueCheck int

const (
	// CheckNo skips the unique probe entirely.
	CheckNo UniqueCheck = iota
	// CheckYes probes for a live equal key and fails with
	// ErrUniqueViolation when one exists.
	CheckYes
)

// DeadCallback reports whether a heap row is dead and should be removed
// from the index. Supplied by the vacuum driver.
type DeadCallback func(tid primitives.ItemPointer) bool

// LiveCallback reports whether a heap row is still visible to someone.
// Used by the unique check to ignore dead duplicates.
type LiveCallback func(tid primitives.ItemPointer) bool

// BulkDeleteStats accumulates the result of one bulk-delete or cleanup
// pass over one index.
type BulkDeleteStats struct {
	NumPages       primitives.BlockNumber
	NumDelPages    primitives.BlockNumber
	PagesFree      primitives.BlockNumber
	TuplesRemoved  int64
	NumIndexTuples int64
	EstimatedCount bool
}

// VacuumInfo carries the vacuum driver's context into an AM.
type VacuumInfo struct {
	Rel *Rel
	// OldestXID is the horizon below which deleted pages are recyclable.
	OldestXID primitives.XID
	// CurrentXID stamps pages deleted by this pass.
	CurrentXID primitives.XID
}

// ParallelVacuumOptions is the bitfield an AM publishes to say which
// vacuum phases its implementation allows in parallel workers.
type ParallelVacuumOptions uint8

const (
	// ParallelBulkDelete permits the bulk-delete phase in a worker.
	ParallelBulkDelete ParallelVacuumOptions = 1 << iota
	// ParallelCleanup permits the cleanup phase in a worker.
	ParallelCleanup
	// ParallelCondCleanup permits cleanup in a worker only when a
	// bulk-delete pass has not already run for this index.
	ParallelCondCleanup
)

// Routine is the static capability record every index type publishes: the
// capability options and the callback entry points. Any callback may be
// nil; the boolean capability flag is authoritative, and a nil callback
// under a true flag is a registration defect, not a negative signal.
type Routine struct {
	Name string

	// Capability options.
	Strategies         uint16 // count of strategy numbers in use
	SupportProcs       uint16 // count of per-column helper callbacks
	CanOrder           bool   // scan may return rows ordered by key
	CanOrderByOperator bool   // scan may return rows ordered by <op>
	CanBackward        bool   // scan supports reverse direction
	CanUnique          bool   // may enforce uniqueness
	CanMulticol        bool   // more than one indexed column permitted
	OptionalFirstKey   bool   // first column may be unconstrained
	SearchArray        bool   // scalar-array-expression scan keys
	SearchNulls        bool   // IS NULL / IS NOT NULL scan keys
	StorageType        bool   // on-disk type may differ from input type
	Clusterable        bool   // heap may be physically sorted by this index
	PredLocks          bool   // participates in predicate locking
	CanParallel        bool   // scans may be parallel
	CanInclude         bool   // supports non-key payload columns
	CanReturn          bool   // index-only scans supported
	ParallelVacuumOpts ParallelVacuumOptions

	// Callback entry points.
	Build                func(rel *Rel, rows func() (keys [][]byte, tid primitives.ItemPointer, ok bool)) error
	BuildEmpty           func(rel *Rel) error
	Insert               func(rel *Rel, values [][]byte, tid primitives.ItemPointer, check UniqueCheck, live LiveCallback) (bool, error)
	BulkDelete           func(info *VacuumInfo, stats *BulkDeleteStats, dead DeadCallback) (*BulkDeleteStats, error)
	VacuumCleanup        func(info *VacuumInfo, stats *BulkDeleteStats) (*BulkDeleteStats, error)
	BeginScan            func(rel *Rel, nkeys, norderbys int) (*ScanDesc, error)
	Rescan               func(scan *ScanDesc, keys []ScanKey) error
	GetTuple             func(scan *ScanDesc, dir ScanDirection) (*TupleHit, error)
	GetBitmap            func(scan *ScanDesc, bitmap *Bitmap) (int64, error)
	EndScan              func(scan *ScanDesc)
	MarkPos              func(scan *ScanDesc) error
	RestorePos           func(scan *ScanDesc) error
	EstimateParallelScan func(nkeys int) int
	InitParallelScan     func(scan *ScanDesc) error
	ParallelRescan       func(scan *ScanDesc) error
	CostEstimate         func(rel *Rel, nkeys int) float64
	Options              func(raw map[string]string) (any, error)
	Validate             func(opclass *Opclass) error
	TranslateStrategy    func(s Strategy) (uint16, error)
	TranslateCmpType     func(cmp int) (Strategy, error)
}

var (
	registryMutex sync.RWMutex
	registry      = make(map[string]*Routine)
)

// Register publishes an access method's capability record. It enforces
// the flag-authoritative rule: every capability the record claims must
// have its callback present.
func Register(r *Routine) error {
	if err := validateRoutine(r); err != nil {
		return err
	}
	registryMutex.Lock()
	defer registryMutex.Unlock()
	if _, dup := registry[r.Name]; dup {
		return fmt.Errorf("access method %q already registered", r.Name)
	}
	registry[r.Name] = r
	return nil
}

// Lookup returns the capability record for an access method name.
func Lookup(name string) (*Routine, error) {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	r, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("access method %q not registered", name)
	}
	return r, nil
}

func validateRoutine(r *Routine) error {
	if r.Name == "" {
		return fmt.Errorf("access method must have a name")
	}
	type need struct {
		claim string
		ok    bool
	}
	needs := []need{
		{"insert", r.Insert != nil},
		{"bulk_delete", r.BulkDelete != nil},
		{"begin_scan", r.BeginScan != nil},
		{"rescan", r.Rescan != nil},
		{"end_scan", r.EndScan != nil},
	}
	for _, n := range needs {
		if !n.ok {
			return fmt.Errorf("access method %q misconfigured: required callback %s is nil", r.Name, n.claim)
		}
	}
	if r.CanOrder && r.GetTuple == nil {
		return fmt.Errorf("access method %q misconfigured: can_order without get_tuple", r.Name)
	}
	if r.CanBackward && !r.CanOrder {
		return fmt.Errorf("access method %q misconfigured: can_backward without can_order", r.Name)
	}
	if r.CanParallel && (r.InitParallelScan == nil || r.EstimateParallelScan == nil) {
		return fmt.Errorf("access method %q misconfigured: can_parallel without parallel scan callbacks", r.Name)
	}
	if r.CanReturn && r.GetTuple == nil {
		return fmt.Errorf("access method %q misconfigured: index-only return without get_tuple", r.Name)
	}
	return nil
}
