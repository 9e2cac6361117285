package endpoints

import (
	"bytes"
	"io"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/aicentral/aicentral/internal/tokenest"
)

const chunkBuffer = 16

// streamEstimator tees an upstream SSE body: bytes flow to the caller
// unmodified while copies are handed to an estimator goroutine over a
// bounded channel, so back-pressure reaches the upstream read. The final
// completion-token estimate is delivered on the tokens channel when the
// stream ends, whether by [DONE], EOF or an early Close.
type streamEstimator struct {
	rc      io.ReadCloser
	chunks  chan []byte
	quit    chan struct{}
	once    sync.Once
	eofOnce sync.Once
	cleanup func()
}

// newStreamEstimator wraps a streaming response body. cleanup runs once the
// body is closed.
func newStreamEstimator(rc io.ReadCloser, cleanup func()) (io.ReadCloser, <-chan int) {
	s := &streamEstimator{
		rc:      rc,
		chunks:  make(chan []byte, chunkBuffer),
		quit:    make(chan struct{}),
		cleanup: cleanup,
	}
	tokens := make(chan int, 1)
	go s.estimate(tokens)
	return s, tokens
}

func (s *streamEstimator) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		select {
		case s.chunks <- chunk:
		case <-s.quit:
		}
	}
	if err != nil {
		s.eofOnce.Do(func() { close(s.chunks) })
	}
	return n, err
}

func (s *streamEstimator) Close() error {
	err := s.rc.Close()
	s.once.Do(func() {
		close(s.quit)
		s.cleanup()
	})
	return err
}

// estimate consumes teed chunks, reassembles SSE lines across chunk
// boundaries and sums per-chunk token estimates.
func (s *streamEstimator) estimate(tokens chan<- int) {
	total := 0
	var pending []byte

	deliver := func() {
		total += tokensForLine(pending)
		tokens <- total
		close(tokens)
	}

	consume := func(chunk []byte) {
		pending = append(pending, chunk...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				return
			}
			total += tokensForLine(pending[:idx])
			pending = pending[idx+1:]
		}
	}

	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				deliver()
				return
			}
			consume(chunk)
		case <-s.quit:
			// Count whatever was already teed before the early close.
			for {
				select {
				case chunk, ok := <-s.chunks:
					if !ok {
						deliver()
						return
					}
					consume(chunk)
				default:
					deliver()
					return
				}
			}
		}
	}
}

// tokensForLine estimates completion tokens carried by one SSE line:
// the delta content of every choice in a data frame.
func tokensForLine(line []byte) int {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte("data:")) {
		return 0
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return 0
	}

	count := 0
	gjson.GetBytes(payload, "choices").ForEach(func(_, choice gjson.Result) bool {
		if content := choice.Get("delta.content"); content.Type == gjson.String {
			count += tokenest.Estimate(content.String())
		}
		return true
	})
	return count
}
