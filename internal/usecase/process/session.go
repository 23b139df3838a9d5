package process

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited" // exit code 0
	StatusFailed  Status = "failed" // non-zero exit or wait error
	StatusKilled  Status = "killed" // ended by Kill or Stop
)

// Session is a snapshot of a supervised child process.
type Session struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner,omitempty"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	Dir       string    `json:"dir,omitempty"`
	PID       int       `json:"pid"`
	Status    Status    `json:"status"`
	ExitCode  int       `json:"exit_code"` // -1 while running or when ended by a signal
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Running reports whether the process has not ended yet.
func (s Session) Running() bool { return s.Status == StatusRunning }

// Page is a window of stdout lines returned by Log.
type Page struct {
	Lines  []string
	Offset int
	Total  int
}

// HasMore reports whether lines remain after the page.
func (p Page) HasMore() bool { return p.Offset+len(p.Lines) < p.Total }
