package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"taskcore/internal/eventbus"
	"taskcore/internal/runtime/supervisor"
	"taskcore/internal/storage"
	"taskcore/internal/task"
	"taskcore/internal/task/engine"
	"taskcore/internal/task/schedule"
	logx "taskcore/pkg/logx"
)

var (
	ErrNotStarted = errors.New("scheduler not started")
	ErrPaused     = errors.New("scheduler paused")
	// ErrRescheduleNow is returned when a run-now task would be rescheduled,
	// or a running task rescheduled to run now.
	ErrRescheduleNow  = errors.New("cannot reschedule an immediate task")
	ErrRescheduleDone = errors.New("cannot reschedule a finished task")
)

// Config controls the scheduler.
//
// Workers bounds concurrent executions (0 means unbounded).
// BlockedWaitTimeout is the per-blocker ceiling of the blocking protocol.
type Config struct {
	Enabled            bool
	Timezone           string // IANA TZ, e.g. "Europe/Berlin"; empty is local
	Workers            int
	BlockedWaitTimeout time.Duration
}

// Deps are the collaborators of a Service. Store may be nil: nothing is
// persisted then.
type Deps struct {
	Store    storage.Store
	Bus      eventbus.Bus
	Registry *task.Registry
	Log      logx.Logger
}

// job is the scheduler side of one task: its trigger and execution slot.
type job struct {
	key      string
	info     *engine.TaskInfo
	listener *engine.Listener
	sched    schedule.Schedule
	enabled  bool

	// trigger; ver invalidates callbacks of a disarmed trigger
	entryID cron.EntryID
	timer   *time.Timer
	ver     uint64

	running      bool
	queued       bool
	queuedSource string
	// missed is set when a one-shot trigger fired while paused
	missed bool
}

type Service struct {
	// life serializes Start and Stop.
	life sync.Mutex

	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	registry *task.Registry

	lock *engine.BlockingLock
	sup  *supervisor.Supervisor
	c    *cron.Cron
	loc  *time.Location

	jobs    map[string]*job
	running map[string]*engine.Executor
	started bool
	active  bool

	executed atomic.Uint64

	// submit failure throttling, keyed by job
	repMu    sync.Mutex
	lastWarn map[string]time.Time
}

// TaskSnapshot is a read-only view of one task.
type TaskSnapshot struct {
	ID         string
	TypeID     string
	Name       string
	Enabled    bool
	State      string
	Schedule   string
	NextRun    time.Time
	RunState   string
	RunStarted time.Time
	Trigger    string
	LastRun    *task.LastRunState
}

type Snapshot struct {
	Enabled  bool
	Started  bool
	Paused   bool
	Timezone string
	Workers  int

	Running  int
	Executed uint64
	Pool     supervisor.Counters
	Tasks    []TaskSnapshot
}
