package transcode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lancast.app/lancast/internal/domain"
)

// State is a TranscodeJob lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job is one supervised encoding run. The bytes-written counter is monotone
// and only advanced by the supervisor's watcher; readers block on the
// condition variable instead of polling.
type Job struct {
	OutputPath string
	Profile    Profile

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	bytes    int64
	playable time.Duration
	err      error

	terminate  func()
	cancelOnce sync.Once
	done       chan struct{}
}

func newJob(outputPath string, profile Profile) *Job {
	j := &Job{
		OutputPath: outputPath,
		Profile:    profile,
		state:      StatePending,
		done:       make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)
	return j
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// BytesWritten is the live "written so far" signal the server layer reads.
func (j *Job) BytesWritten() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bytes
}

// PlayableDuration is how far into the media the encoder has progressed.
func (j *Job) PlayableDuration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.playable
}

// Completed reports a clean encoder exit with all bytes on disk.
func (j *Job) Completed() bool {
	return j.State() == StateCompleted
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel asks the encoding process to terminate. Idempotent; cancelling a
// finished job is a no-op.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() {
		j.mu.Lock()
		if j.state.terminal() {
			j.mu.Unlock()
			return
		}
		j.state = StateCancelled
		terminate := j.terminate
		j.cond.Broadcast()
		j.mu.Unlock()
		if terminate != nil {
			terminate()
		}
	})
}

// WaitForBytes blocks until at least offset bytes are written, the job
// reaches a terminal state, or ctx is done. A Completed job shorter than
// offset and any Failed/Cancelled job yield a ServerIO error; callers decide
// how that maps to their protocol.
func (j *Job) WaitForBytes(ctx context.Context, offset int64) error {
	stop := context.AfterFunc(ctx, func() {
		j.mu.Lock()
		j.cond.Broadcast()
		j.mu.Unlock()
	})
	defer stop()

	j.mu.Lock()
	defer j.mu.Unlock()
	for j.bytes < offset {
		switch j.state {
		case StateCompleted:
			return domain.E(domain.KindServerIO,
				fmt.Sprintf("requested offset %d beyond completed output of %d bytes", offset, j.bytes))
		case StateFailed:
			return domain.Wrap(domain.KindServerIO, "transcode failed while waiting", j.err)
		case StateCancelled:
			return domain.E(domain.KindServerIO, "transcode cancelled while waiting")
		}
		if err := ctx.Err(); err != nil {
			return domain.Wrap(domain.KindServerIO, "wait for transcoded bytes", err)
		}
		j.cond.Wait()
	}
	return nil
}

func (j *Job) markRunning(terminate func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StatePending {
		j.state = StateRunning
		j.terminate = terminate
	}
}

// advanceBytes never moves the counter backwards; truncation glitches from
// stat racing the encoder's open are ignored.
func (j *Job) advanceBytes(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n > j.bytes {
		j.bytes = n
		j.cond.Broadcast()
	}
}

func (j *Job) advancePlayable(d time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if d > j.playable {
		j.playable = d
	}
}

func (j *Job) finish(state State, err error) {
	j.mu.Lock()
	if j.state.terminal() {
		// Cancelled wins over whatever the exiting process reports.
		state = j.state
	} else {
		j.state = state
		j.err = err
	}
	j.cond.Broadcast()
	j.mu.Unlock()
	close(j.done)
}
