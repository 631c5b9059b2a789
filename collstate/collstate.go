// Package collstate defines the collection-phase bitmask and the ~20
// named states the Recycler's state machine moves through. The
// composition mirrors the original CollectionState enum field for
// field: named states are ORs of the phase flags below, not independent
// values, so a caller can test membership with a single bitwise AND.
package collstate

// Flags is a single phase-flag bit. Named States below OR several
// together.
type Flags uint32

const (
	Mark Flags = 1 << iota
	Sweep
	Exit
	PreCollection

	ResetMarks
	FindRoots
	Rescan
	FinishMark

	ConcurrentSweepSetup
	TransferSwept

	Partial
	Concurrent
	ExecutingConcurrent
	FinishConcurrent

	Parallel

	PostCollectionCallback
	PostSweepRedeferralCallback
	WrapperCallback
)

// ConcurrentMark and ConcurrentSweep are the two compound attribute
// combinations the named States below build on.
const (
	ConcurrentMark  = Concurrent | Mark
	ConcurrentSweep = Concurrent | Sweep
)

// State is a named point in the collection state machine: a fixed
// combination of Flags. Test membership with Has, never ==, since two
// different named states can share flags (e.g. every Mark-phase state
// has the Mark flag set).
type State Flags

const (
	NotCollecting State = 0
	ResetMarksS         = State(Mark | ResetMarks)
	FindRootsS          = State(Mark | FindRoots)
	MarkS               = State(Mark)
	SweepS              = State(Sweep)
	TransferSweptS       = State(Sweep | TransferSwept)
	ExitS               = State(Exit)

	RescanFindRootsS = State(Mark | Rescan | FindRoots)
	RescanMarkS      = State(Mark | Rescan)

	ConcurrentResetMarksS = State(ConcurrentMark | ResetMarks | ExecutingConcurrent)
	ConcurrentFindRootsS  = State(ConcurrentMark | FindRoots | ExecutingConcurrent)
	ConcurrentMarkS       = State(ConcurrentMark | ExecutingConcurrent)
	RescanWaitS           = State(ConcurrentMark | FinishConcurrent)
	ConcurrentFinishMarkS = State(ConcurrentMark | ExecutingConcurrent | FinishConcurrent)

	SetupConcurrentSweepS = State(Sweep | ConcurrentSweepSetup)
	ConcurrentSweepS      = State(ConcurrentSweep | ExecutingConcurrent)
	TransferSweptWaitS    = State(ConcurrentSweep | FinishConcurrent)

	ParallelMarkS           = State(Mark | Parallel)
	BackgroundParallelMarkS = State(ConcurrentMark | ExecutingConcurrent | Parallel)
	ConcurrentWrapperCallbackS = State(Concurrent | ExecutingConcurrent | WrapperCallback)

	PostSweepRedeferralCallbackS = State(PostSweepRedeferralCallback)
	PostCollectionCallbackS      = State(PostCollectionCallback)
)

// Has reports whether every flag bit in want is set in s.
func (s State) Has(want Flags) bool { return Flags(s)&want == want }

// Any reports whether at least one of want's bits is set in s.
func (s State) Any(want Flags) bool { return Flags(s)&want != 0 }

// IsCollecting reports whether s represents any in-progress phase
// (mark or sweep), as opposed to NotCollecting or Exit.
func (s State) IsCollecting() bool { return s.Any(Mark | Sweep) }

// names backs String, so log lines and telemetry match the collector's
// own vocabulary.
var names = map[State]string{
	NotCollecting:              "NotCollecting",
	ResetMarksS:                "ResetMarks",
	FindRootsS:                 "FindRoots",
	MarkS:                      "Mark",
	SweepS:                     "Sweep",
	TransferSweptS:             "TransferSwept",
	ExitS:                      "Exit",
	RescanFindRootsS:           "RescanFindRoots",
	RescanMarkS:                "RescanMark",
	ConcurrentResetMarksS:      "ConcurrentResetMarks",
	ConcurrentFindRootsS:       "ConcurrentFindRoots",
	ConcurrentMarkS:            "ConcurrentMark",
	RescanWaitS:                "RescanWait",
	ConcurrentFinishMarkS:      "ConcurrentFinishMark",
	SetupConcurrentSweepS:      "SetupConcurrentSweep",
	ConcurrentSweepS:           "ConcurrentSweep",
	TransferSweptWaitS:         "TransferSweptWait",
	ParallelMarkS:              "ParallelMark",
	BackgroundParallelMarkS:    "BackgroundParallelMark",
	ConcurrentWrapperCallbackS: "ConcurrentWrapperCallback",
	PostSweepRedeferralCallbackS: "PostSweepRedeferralCallback",
	PostCollectionCallbackS:      "PostCollectionCallback",
}

func (s State) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return "Unknown"
}
