package mediaserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"lancast.app/lancast/internal/domain"
)

// byteRange is one parsed Range request. end < 0 means the range is
// open-ended ("bytes=start-").
type byteRange struct {
	start  int64
	end    int64
	suffix bool // "bytes=-N": last N bytes
}

var errMalformedRange = errors.New("malformed range header")

// parseRange handles a single-range header. Multi-range requests use only
// the first range, which is what cast receivers send anyway.
func parseRange(header string) (byteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return byteRange{}, errMalformedRange
	}
	first := strings.TrimSpace(strings.Split(spec, ",")[0])
	startStr, endStr, ok := strings.Cut(first, "-")
	if !ok {
		return byteRange{}, errMalformedRange
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		// Suffix form: bytes=-N.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, errMalformedRange
		}
		return byteRange{suffix: true, end: n}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, errMalformedRange
	}
	if endStr == "" {
		return byteRange{start: start, end: -1}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return byteRange{}, errMalformedRange
	}
	return byteRange{start: start, end: end}, nil
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	route := s.lookupMedia(token)
	if route == nil {
		http.NotFound(w, r)
		return
	}

	writeCORS(w)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", route.contentType)

	if route.job == nil {
		s.serveStable(w, r, route)
		return
	}
	s.serveGrowing(w, r, route)
}

func (s *Server) serveStable(w http.ResponseWriter, r *http.Request, route *mediaRoute) {
	f, err := os.Open(route.path)
	if err != nil {
		s.log.Error().Err(err).Str("path", route.path).Msg("open media source")
		http.Error(w, "media source unavailable", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	size := route.size
	header := r.Header.Get("Range")
	if header == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, f)
		return
	}

	rng, err := parseRange(header)
	if err != nil {
		writeRangeNotSatisfiable(w, size)
		return
	}
	if rng.suffix {
		rng.start = size - rng.end
		if rng.start < 0 {
			rng.start = 0
		}
		rng.end = size - 1
	}
	if rng.start >= size {
		writeRangeNotSatisfiable(w, size)
		return
	}
	if rng.end < 0 || rng.end >= size {
		rng.end = size - 1
	}

	s.writePartial(w, f, rng, strconv.FormatInt(size, 10))
}

// serveGrowing serves ranges over a file the transcoder is still appending
// to. A range past the written length waits (bounded) for the counter
// rather than returning a short read; a receiver doing seek-ahead buffering
// must never see a premature end-of-stream.
func (s *Server) serveGrowing(w http.ResponseWriter, r *http.Request, route *mediaRoute) {
	job := route.job
	header := r.Header.Get("Range")
	if header == "" {
		s.streamWhole(w, r, route)
		return
	}

	rng, err := parseRange(header)
	if err != nil {
		writeRangeNotSatisfiable(w, job.BytesWritten())
		return
	}
	if rng.suffix {
		// The tail of a growing file is undefined until the job completes.
		if !job.Completed() {
			writeRangeNotSatisfiable(w, job.BytesWritten())
			return
		}
		size := job.BytesWritten()
		rng.start = size - rng.end
		if rng.start < 0 {
			rng.start = 0
		}
		rng.end = size - 1
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.waitTimeout)
	defer cancel()

	if rng.end >= 0 {
		// Explicit end: wait until that offset exists. A completed file
		// shorter than the request clamps the end like the stable path.
		if err := job.WaitForBytes(ctx, rng.end+1); err != nil {
			size := job.BytesWritten()
			if domain.IsKind(err, domain.KindServerIO) && job.Completed() && rng.start < size {
				rng.end = size - 1
			} else {
				s.reportWaitFailure(w, job, rng.end+1, err)
				return
			}
		}
	} else {
		// Open-ended: wait for the first requested byte, then answer with
		// what is written right now; the client iterates as the file grows.
		if handled := s.waitAndReport(ctx, w, job, rng.start+1); handled {
			return
		}
		rng.end = job.BytesWritten() - 1
	}

	f, err := os.Open(route.path)
	if err != nil {
		s.log.Error().Err(err).Str("path", route.path).Msg("open growing source")
		http.Error(w, "media source unavailable", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	total := "*"
	if job.Completed() {
		total = strconv.FormatInt(job.BytesWritten(), 10)
	}
	s.writePartial(w, f, rng, total)
}

// waitAndReport blocks for the job's counter and translates wait failures
// onto the response. Reports true when the response has been written.
func (s *Server) waitAndReport(ctx context.Context, w http.ResponseWriter, job GrowingJob, offset int64) bool {
	err := job.WaitForBytes(ctx, offset)
	if err == nil {
		return false
	}
	s.reportWaitFailure(w, job, offset, err)
	return true
}

func (s *Server) reportWaitFailure(w http.ResponseWriter, job GrowingJob, offset int64, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "timed out waiting for transcoded bytes", http.StatusGatewayTimeout)
	case domain.IsKind(err, domain.KindServerIO) && job.Completed():
		writeRangeNotSatisfiable(w, job.BytesWritten())
	default:
		http.Error(w, "transcode job ended while waiting", http.StatusBadGateway)
	}
	s.log.Warn().Err(err).Int64("offset", offset).Msg("range wait failed")
}

// streamWhole answers a no-Range request on a growing source by streaming
// from the start until the job finishes.
func (s *Server) streamWhole(w http.ResponseWriter, r *http.Request, route *mediaRoute) {
	job := route.job
	f, err := os.Open(route.path)
	if err != nil {
		http.Error(w, "media source unavailable", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var offset int64
	buf := make([]byte, 64<<10)
	for {
		target := offset + 1
		if err := job.WaitForBytes(r.Context(), target); err != nil {
			// Completed output fully drained, or job/client gone.
			return
		}
		available := job.BytesWritten()
		for offset < available {
			chunk := int64(len(buf))
			if available-offset < chunk {
				chunk = available - offset
			}
			n, rErr := f.ReadAt(buf[:chunk], offset)
			if n > 0 {
				if _, wErr := w.Write(buf[:n]); wErr != nil {
					return
				}
				offset += int64(n)
			}
			if rErr != nil && rErr != io.EOF {
				return
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) writePartial(w http.ResponseWriter, f *os.File, rng byteRange, total string) {
	length := rng.end - rng.start + 1
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", rng.start, rng.end, total))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = io.Copy(w, io.NewSectionReader(f, rng.start, length))
}

func writeRangeNotSatisfiable(w http.ResponseWriter, size int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}
