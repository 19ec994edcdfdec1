package transcode

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lancast.app/lancast/internal/domain"
)

func mkvAsset() *domain.MediaAsset {
	return &domain.MediaAsset{
		Path:          "/media/movie.mkv",
		Container:     "mkv",
		VideoCodec:    "h265",
		AudioCodec:    "dts",
		AudioChannels: 6,
	}
}

func mp4Caps() domain.Capabilities {
	return domain.Capabilities{
		Containers:  []string{"mp4"},
		VideoCodecs: []string{"h264"},
		AudioCodecs: []string{"aac", "mp3", "ac3"},
	}
}

func TestRequired(t *testing.T) {
	caps := mp4Caps()

	require.True(t, Required(mkvAsset(), caps))

	compatible := &domain.MediaAsset{Container: "mp4", VideoCodec: "h264", AudioCodec: "aac"}
	require.False(t, Required(compatible, caps))

	badAudio := &domain.MediaAsset{Container: "mp4", VideoCodec: "h264", AudioCodec: "dts"}
	require.True(t, Required(badAudio, caps))

	noAudio := &domain.MediaAsset{Container: "mp4", VideoCodec: "h264"}
	require.False(t, Required(noAudio, caps))
}

func TestSelectProfileCopiesAcceptedStreams(t *testing.T) {
	caps := mp4Caps()

	asset := &domain.MediaAsset{Container: "mkv", VideoCodec: "h264", AudioCodec: "aac"}
	p := SelectProfile(asset, caps)
	require.True(t, p.CopyVideo())
	require.True(t, p.CopyAudio())
	require.Equal(t, "mp4", p.Container)

	p = SelectProfile(mkvAsset(), caps)
	require.Equal(t, "h264", p.VideoCodec)
	require.Equal(t, "ac3", p.AudioCodec) // 6ch source, sink accepts ac3
}

func TestSelectProfileStereoFallsBackToAAC(t *testing.T) {
	asset := mkvAsset()
	asset.AudioChannels = 2
	p := SelectProfile(asset, mp4Caps())
	require.Equal(t, "aac", p.AudioCodec)
}

func TestBuildArgs(t *testing.T) {
	p := SelectProfile(mkvAsset(), mp4Caps())
	args := buildArgs(mkvAsset(), p, "/tmp/out.mp4")

	require.Contains(t, args, "-progress")
	require.Contains(t, args, "/media/movie.mkv")
	require.Contains(t, args, "h264")
	require.Contains(t, args, "ac3")
	require.Contains(t, args, "+frag_keyframe+empty_moov+default_base_moof")
	require.Equal(t, "/tmp/out.mp4", args[len(args)-1])
}

// fakeProcess lets tests drive the process lifecycle by hand.
type fakeProcess struct {
	mu         sync.Mutex
	started    bool
	terminated bool
	killed     bool
	waitCh     chan error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{waitCh: make(chan error, 1)}
}

func (f *fakeProcess) Start() error { f.mu.Lock(); f.started = true; f.mu.Unlock(); return nil }
func (f *fakeProcess) Wait() error  { return <-f.waitCh }

func (f *fakeProcess) Terminate() error {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
	f.waitCh <- errors.New("signal: interrupt")
	return nil
}

func (f *fakeProcess) Kill() error { f.mu.Lock(); f.killed = true; f.mu.Unlock(); return nil }

func (f *fakeProcess) wasTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

func testSupervisor(t *testing.T, proc *fakeProcess) (*Supervisor, *[]string) {
	t.Helper()
	s := NewSupervisor("ffmpeg", t.TempDir(), zerolog.Nop())
	var gotArgs []string
	s.newProcess = func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (mediaProcess, error) {
		gotArgs = args
		return proc, nil
	}
	return s, &gotArgs
}

func TestJobCompletes(t *testing.T) {
	proc := newFakeProcess()
	s, _ := testSupervisor(t, proc)

	job, err := s.Start(context.Background(), mkvAsset(), SelectProfile(mkvAsset(), mp4Caps()))
	require.NoError(t, err)
	require.Equal(t, StateRunning, job.State())

	proc.waitCh <- nil
	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
	}
	require.Equal(t, StateCompleted, job.State())
	require.NoError(t, job.Err())
}

func TestJobFailureCarriesStderrTail(t *testing.T) {
	proc := newFakeProcess()
	s, _ := testSupervisor(t, proc)
	s.newProcess = func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (mediaProcess, error) {
		_, _ = stderr.Write([]byte("Unknown encoder 'h264'\n"))
		return proc, nil
	}

	job, err := s.Start(context.Background(), mkvAsset(), SelectProfile(mkvAsset(), mp4Caps()))
	require.NoError(t, err)

	proc.waitCh <- errors.New("exit status 1")
	<-job.Done()
	require.Equal(t, StateFailed, job.State())
	require.True(t, domain.IsKind(job.Err(), domain.KindTranscode))
	require.Contains(t, job.Err().Error(), "Unknown encoder")
}

func TestJobCancelTerminatesAndRemovesOutput(t *testing.T) {
	proc := newFakeProcess()
	s, _ := testSupervisor(t, proc)

	job, err := s.Start(context.Background(), mkvAsset(), SelectProfile(mkvAsset(), mp4Caps()))
	require.NoError(t, err)

	job.Cancel()
	<-job.Done()
	require.Equal(t, StateCancelled, job.State())
	require.True(t, proc.wasTerminated())

	_, statErr := os.Stat(job.OutputPath)
	require.True(t, os.IsNotExist(statErr))

	// Cancelling again is a no-op.
	job.Cancel()
	require.Equal(t, StateCancelled, job.State())
}

func TestWaitForBytesWakesOnAdvance(t *testing.T) {
	job := newJob("/tmp/out.mp4", Profile{})
	job.markRunning(nil)

	done := make(chan error, 1)
	go func() { done <- job.WaitForBytes(context.Background(), 1024) }()

	time.Sleep(20 * time.Millisecond)
	job.advanceBytes(512)
	select {
	case <-done:
		t.Fatal("woke before enough bytes were written")
	case <-time.After(50 * time.Millisecond):
	}

	job.advanceBytes(2048)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("never woke after counter advanced")
	}
}

func TestWaitForBytesFailsWhenJobFails(t *testing.T) {
	job := newJob("/tmp/out.mp4", Profile{})
	job.markRunning(nil)

	done := make(chan error, 1)
	go func() { done <- job.WaitForBytes(context.Background(), 1<<30) }()

	time.Sleep(20 * time.Millisecond)
	job.finish(StateFailed, errors.New("encoder blew up"))

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, domain.IsKind(err, domain.KindServerIO))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter hung after job failure")
	}
}

func TestWaitForBytesHonorsContext(t *testing.T) {
	job := newJob("/tmp/out.mp4", Profile{})
	job.markRunning(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := job.WaitForBytes(ctx, 1<<30)
	require.Error(t, err)
	require.True(t, domain.IsKind(err, domain.KindServerIO))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForBytesPastCompletedEnd(t *testing.T) {
	job := newJob("/tmp/out.mp4", Profile{})
	job.markRunning(nil)
	job.advanceBytes(100)
	job.finish(StateCompleted, nil)

	require.NoError(t, job.WaitForBytes(context.Background(), 100))
	err := job.WaitForBytes(context.Background(), 101)
	require.Error(t, err)
	require.True(t, domain.IsKind(err, domain.KindServerIO))
}

func TestCounterIsMonotone(t *testing.T) {
	job := newJob("/tmp/out.mp4", Profile{})
	job.advanceBytes(100)
	job.advanceBytes(50)
	require.Equal(t, int64(100), job.BytesWritten())
}

func TestWatcherAdvancesCounterOnWrites(t *testing.T) {
	proc := newFakeProcess()
	s, _ := testSupervisor(t, proc)

	job, err := s.Start(context.Background(), mkvAsset(), SelectProfile(mkvAsset(), mp4Caps()))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(job.OutputPath, make([]byte, 4096), 0o644))
	require.Eventually(t, func() bool {
		return job.BytesWritten() >= 4096
	}, 3*time.Second, 10*time.Millisecond)

	proc.waitCh <- nil
	<-job.Done()
}

func TestProgressWriterParsesKeys(t *testing.T) {
	job := newJob("/tmp/out.mp4", Profile{})
	w := &progressWriter{job: job}

	_, _ = w.Write([]byte("frame=100\nout_time_"))
	_, _ = w.Write([]byte("us=2500000\ntotal_size=123456\nprogress=continue\n"))

	require.Equal(t, 2500*time.Millisecond, job.PlayableDuration())
	require.Equal(t, int64(123456), job.BytesWritten())
}
