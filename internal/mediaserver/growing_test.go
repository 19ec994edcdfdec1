package mediaserver

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lancast.app/lancast/internal/domain"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeJob mimics the transcode job counter with hand-driven advancement.
type fakeJob struct {
	mu        sync.Mutex
	cond      *sync.Cond
	bytes     int64
	completed bool
	failed    bool
}

func newFakeJob() *fakeJob {
	j := &fakeJob{}
	j.cond = sync.NewCond(&j.mu)
	return j
}

func (j *fakeJob) BytesWritten() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bytes
}

func (j *fakeJob) Completed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed
}

func (j *fakeJob) WaitForBytes(ctx context.Context, offset int64) error {
	stop := context.AfterFunc(ctx, func() {
		j.mu.Lock()
		j.cond.Broadcast()
		j.mu.Unlock()
	})
	defer stop()

	j.mu.Lock()
	defer j.mu.Unlock()
	for j.bytes < offset {
		if j.failed {
			return domain.E(domain.KindServerIO, "transcode failed while waiting")
		}
		if j.completed {
			return domain.E(domain.KindServerIO, "offset beyond completed output")
		}
		if err := ctx.Err(); err != nil {
			return domain.Wrap(domain.KindServerIO, "wait for transcoded bytes", err)
		}
		j.cond.Wait()
	}
	return nil
}

func (j *fakeJob) advance(n int64) {
	j.mu.Lock()
	j.bytes = n
	j.cond.Broadcast()
	j.mu.Unlock()
}

func (j *fakeJob) fail() {
	j.mu.Lock()
	j.failed = true
	j.cond.Broadcast()
	j.mu.Unlock()
}

func (j *fakeJob) complete() {
	j.mu.Lock()
	j.completed = true
	j.cond.Broadcast()
	j.mu.Unlock()
}

type growingFixture struct {
	server *Server
	job    *fakeJob
	path   string
	data   []byte
	route  string
}

func newGrowingFixture(t *testing.T, waitTimeout time.Duration) *growingFixture {
	t.Helper()
	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i % 209)
	}
	path := filepath.Join(t.TempDir(), "transcode-out.mp4")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s := newTestServer(t, waitTimeout)
	job := newFakeJob()
	_, route := s.AddGrowingMedia(job, path, "video/mp4")
	return &growingFixture{server: s, job: job, path: path, data: data, route: route}
}

// write appends the first n bytes of the fixture payload to disk and
// advances the counter, like the supervisor's watcher would.
func (g *growingFixture) write(t *testing.T, n int64) {
	t.Helper()
	require.NoError(t, os.WriteFile(g.path, g.data[:n], 0o644))
	g.job.advance(n)
}

func TestGrowingRangeWithinWrittenBytes(t *testing.T) {
	g := newGrowingFixture(t, time.Second)
	g.write(t, 2048)

	rec := get(t, g.server.Handler(), g.route, "bytes=0-1023")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 0-1023/*", rec.Header().Get("Content-Range"))
	require.Equal(t, g.data[:1024], rec.Body.Bytes())
}

func TestGrowingRangeWaitsForBytes(t *testing.T) {
	g := newGrowingFixture(t, 5*time.Second)
	g.write(t, 1024)

	type result struct {
		code int
		body []byte
		cr   string
	}
	resCh := make(chan result, 1)
	go func() {
		rec := get(t, g.server.Handler(), g.route, "bytes=3000-3999")
		resCh <- result{code: rec.Code, body: rec.Body.Bytes(), cr: rec.Header().Get("Content-Range")}
	}()

	select {
	case <-resCh:
		t.Fatal("request answered before the bytes existed")
	case <-time.After(100 * time.Millisecond):
	}

	g.write(t, 4096)
	select {
	case res := <-resCh:
		require.Equal(t, http.StatusPartialContent, res.code)
		require.Equal(t, "bytes 3000-3999/*", res.cr)
		require.Equal(t, g.data[3000:4000], res.body)
	case <-time.After(3 * time.Second):
		t.Fatal("request never completed after bytes were written")
	}
}

func TestGrowingRangeTimesOut(t *testing.T) {
	g := newGrowingFixture(t, 50*time.Millisecond)
	g.write(t, 100)

	rec := get(t, g.server.Handler(), g.route, "bytes=0-4095")
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestGrowingRangeFailsWhenJobFails(t *testing.T) {
	g := newGrowingFixture(t, 5*time.Second)
	g.write(t, 100)

	resCh := make(chan int, 1)
	go func() {
		rec := get(t, g.server.Handler(), g.route, "bytes=0-4095")
		resCh <- rec.Code
	}()

	time.Sleep(50 * time.Millisecond)
	g.job.fail()

	select {
	case code := <-resCh:
		require.Equal(t, http.StatusBadGateway, code)
	case <-time.After(3 * time.Second):
		t.Fatal("request hung after job failure")
	}
}

func TestGrowingOpenEndedRangeServesWhatExists(t *testing.T) {
	g := newGrowingFixture(t, time.Second)
	g.write(t, 2000)

	rec := get(t, g.server.Handler(), g.route, "bytes=1000-")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 1000-1999/*", rec.Header().Get("Content-Range"))
	require.Equal(t, g.data[1000:2000], rec.Body.Bytes())
}

func TestGrowingCompletedReportsExactTotal(t *testing.T) {
	g := newGrowingFixture(t, time.Second)
	g.write(t, 4096)
	g.job.complete()

	rec := get(t, g.server.Handler(), g.route, "bytes=0-1023")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 0-1023/4096", rec.Header().Get("Content-Range"))

	// End past the completed size clamps, as on a stable file.
	rec = get(t, g.server.Handler(), g.route, "bytes=1000-9999")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 1000-4095/4096", rec.Header().Get("Content-Range"))
	require.Equal(t, g.data[1000:4096], rec.Body.Bytes())

	// Start past the completed end: unsatisfiable, not a hang.
	rec = get(t, g.server.Handler(), g.route, "bytes=4096-5000")
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestGrowingSuffixRangeOnlyAfterCompletion(t *testing.T) {
	g := newGrowingFixture(t, time.Second)
	g.write(t, 4096)

	rec := get(t, g.server.Handler(), g.route, "bytes=-100")
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)

	g.job.complete()
	rec = get(t, g.server.Handler(), g.route, "bytes=-100")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 3996-4095/4096", rec.Header().Get("Content-Range"))
	require.Equal(t, g.data[3996:4096], rec.Body.Bytes())
}
