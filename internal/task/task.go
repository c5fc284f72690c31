package task

// State is the lifecycle state of one archive in the run.
type State int

const (
	StatePending State = iota
	StateDownloading
	StateCompleted
	StateFailed
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDownloading:
		return "downloading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Task is one remote archive in the numbered series. A task is owned by the
// scheduler's queue until handed to exactly one worker; only that worker
// mutates it while downloading, and the scheduler's lock guards the brief
// state flips.
type Task struct {
	Index     int
	FileName  string
	LocalPath string

	State State

	// ExpectedBytes is the size the server declared for this archive, once
	// known. -1 until a probe or transfer reports it.
	ExpectedBytes int64

	// BytesWritten is what is currently on disk for this task. Completion
	// requires BytesWritten == ExpectedBytes with ExpectedBytes known.
	BytesWritten int64

	Attempts  int
	LastError string
}
