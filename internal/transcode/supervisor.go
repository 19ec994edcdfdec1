// Package transcode supervises the external encoding process that rewrites
// an asset into a receiver-compatible, progressively readable output file.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lancast.app/lancast/internal/domain"
)

const (
	terminateGrace = 5 * time.Second
	stderrTailMax  = 4096
)

// mediaProcess is the slice of exec.Cmd the supervisor drives; injected so
// tests run without ffmpeg.
type mediaProcess interface {
	Start() error
	Wait() error
	Terminate() error
	Kill() error
}

type execProcess struct{ cmd *exec.Cmd }

func (p *execProcess) Start() error { return p.cmd.Start() }
func (p *execProcess) Wait() error  { return p.cmd.Wait() }

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Supervisor launches and monitors at most one encoding process per job.
type Supervisor struct {
	ffmpegPath string
	outputDir  string
	log        zerolog.Logger

	newProcess func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (mediaProcess, error)
}

func NewSupervisor(ffmpegPath, outputDir string, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		ffmpegPath: ffmpegPath,
		outputDir:  outputDir,
		log:        log.With().Str("component", "transcode").Logger(),
		newProcess: func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (mediaProcess, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			cmd.Stdout = stdout
			cmd.Stderr = stderr
			return &execProcess{cmd: cmd}, nil
		},
	}
}

// Start spawns the encoder for asset with the given profile and returns the
// running job. It never blocks on the encode; callers observe the job's
// state machine and counters.
func (s *Supervisor) Start(ctx context.Context, asset *domain.MediaAsset, profile Profile) (*Job, error) {
	outPath := filepath.Join(s.outputDir,
		fmt.Sprintf("lancast-%d-%s.%s", os.Getpid(), uuid.NewString()[:8], profile.Container))

	// Create the output up front so the watcher has something to attach to
	// before ffmpeg's first write.
	f, err := os.Create(outPath)
	if err != nil {
		return nil, domain.Wrap(domain.KindTranscode, "create output file", err)
	}
	_ = f.Close()

	job := newJob(outPath, profile)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = os.Remove(outPath)
		return nil, domain.Wrap(domain.KindTranscode, "create output watcher", err)
	}
	if err := watcher.Add(outPath); err != nil {
		_ = watcher.Close()
		_ = os.Remove(outPath)
		return nil, domain.Wrap(domain.KindTranscode, "watch output file", err)
	}

	stderrTail := &tailBuffer{max: stderrTailMax}
	proc, err := s.newProcess(ctx, s.ffmpegPath, buildArgs(asset, profile, outPath), &progressWriter{job: job}, stderrTail)
	if err != nil {
		_ = watcher.Close()
		_ = os.Remove(outPath)
		return nil, domain.Wrap(domain.KindTranscode, "prepare encoder", err)
	}
	if err := proc.Start(); err != nil {
		_ = watcher.Close()
		_ = os.Remove(outPath)
		return nil, domain.Wrap(domain.KindTranscode, "spawn encoder", err)
	}

	job.markRunning(func() {
		_ = proc.Terminate()
		killTimer := time.AfterFunc(terminateGrace, func() { _ = proc.Kill() })
		go func() {
			<-job.Done()
			killTimer.Stop()
		}()
	})

	s.log.Info().
		Str("source", asset.Path).
		Str("output", outPath).
		Bool("copy_video", profile.CopyVideo()).
		Bool("copy_audio", profile.CopyAudio()).
		Msg("encoder started")

	go s.watchOutput(job, watcher)
	go s.monitor(job, proc, stderrTail)
	return job, nil
}

// watchOutput feeds the byte counter from filesystem write events. Stat on
// notify keeps the counter exact: it is precisely what the server can read.
func (s *Supervisor) watchOutput(job *Job, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()
	for {
		select {
		case <-job.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == 0 {
				continue
			}
			if info, err := os.Stat(job.OutputPath); err == nil {
				job.advanceBytes(info.Size())
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Supervisor) monitor(job *Job, proc mediaProcess, stderrTail *tailBuffer) {
	waitErr := proc.Wait()

	// Final stat: the last write event may still be in flight.
	if info, err := os.Stat(job.OutputPath); err == nil {
		job.advanceBytes(info.Size())
	}

	switch {
	case job.State() == StateCancelled:
		_ = os.Remove(job.OutputPath)
		job.finish(StateCancelled, nil)
		s.log.Info().Str("output", job.OutputPath).Msg("encoder cancelled")
	case waitErr != nil:
		detail := strings.TrimSpace(stderrTail.String())
		err := domain.Wrap(domain.KindTranscode, detail, waitErr)
		if detail == "" {
			err = domain.Wrap(domain.KindTranscode, "encoder exited", waitErr)
		}
		job.finish(StateFailed, err)
		s.log.Error().Err(waitErr).Str("stderr", detail).Msg("encoder failed")
	default:
		job.finish(StateCompleted, nil)
		s.log.Info().
			Int64("bytes", job.BytesWritten()).
			Msg("encoder completed")
	}
}

// progressWriter parses ffmpeg -progress key=value output into the job's
// playable-duration counter (and total_size as a byte-counter floor).
type progressWriter struct {
	job *Job
	buf bytes.Buffer
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line: keep it for the next write.
			w.buf.WriteString(line)
			break
		}
		w.handleLine(strings.TrimSpace(line))
	}
	return len(p), nil
}

func (w *progressWriter) handleLine(line string) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return
	}
	switch key {
	case "out_time_us", "out_time_ms":
		// Both report microseconds; out_time_ms is a historical misnomer.
		if us, err := strconv.ParseInt(value, 10, 64); err == nil {
			w.job.advancePlayable(time.Duration(us) * time.Microsecond)
		}
	case "total_size":
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			w.job.advanceBytes(n)
		}
	}
}

type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
