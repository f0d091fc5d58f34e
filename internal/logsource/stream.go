package logsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"

	"github.com/dnsgraph/dnsgraph/internal/types"
)

// errLineTooLong marks a line dropped for exceeding MaxLineBytes.
var errLineTooLong = errors.New("log line too long")

// StreamStatus describes one pod's log stream.
type StreamStatus struct {
	Pod        types.PodIdentity     `json:"pod"`
	State      types.ConnectionState `json:"state"`
	Reconnects uint64                `json:"reconnects"`
	Lines      uint64                `json:"lines"`
	LastLine   time.Time             `json:"lastLine,omitempty"`
}

// stream is the per-pod follow loop. The identity can change under it when
// the pod gets a new IP.
type stream struct {
	uid    k8stypes.UID
	cancel context.CancelFunc

	mu         sync.Mutex
	id         types.PodIdentity
	state      types.ConnectionState
	reconnects uint64
	lines      uint64
	lastLine   time.Time

	// since is the timestamp of the last line read and sinceSeen the number
	// of lines read with exactly that timestamp. Both are owned by the stream
	// goroutine.
	since     time.Time
	sinceSeen int
}

func newStream(uid k8stypes.UID, id types.PodIdentity, cancel context.CancelFunc) *stream {
	return &stream{uid: uid, id: id, cancel: cancel, state: types.StateDisconnected}
}

func (st *stream) identity() types.PodIdentity {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.id
}

// retag swaps the identity and returns the previous one.
func (st *stream) retag(id types.PodIdentity) types.PodIdentity {
	st.mu.Lock()
	defer st.mu.Unlock()
	old := st.id
	st.id = id
	return old
}

func (st *stream) setState(state types.ConnectionState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state = state
	if state == types.StateReconnecting {
		st.reconnects++
	}
}

func (st *stream) status() StreamStatus {
	st.mu.Lock()
	defer st.mu.Unlock()
	return StreamStatus{
		Pod:        st.id,
		State:      st.state,
		Reconnects: st.reconnects,
		Lines:      st.lines,
		LastLine:   st.lastLine,
	}
}

// runStream follows one pod's log until its context is cancelled,
// reconnecting with backoff. Only this pod is affected by its failures.
func (s *Source) runStream(ctx context.Context, st *stream) {
	defer s.wg.Done()
	logger := s.logger.With(zap.String("pod", st.identity().String()))
	backoff := s.newBackoff()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		st.setState(types.StateConnecting)
		started := time.Now()
		err := s.follow(ctx, st)
		if ctx.Err() != nil {
			st.setState(types.StateDisconnected)
			return
		}

		if time.Since(started) >= s.opts.HealthyStreamDuration {
			backoff = s.newBackoff()
		}
		delay := backoff.Step()
		st.setState(types.StateReconnecting)
		reconnectsTotal.Inc()

		if err != nil {
			logger.Warn("Log stream failed, reconnecting", zap.Error(err), zap.Duration("retry_in", delay))
		} else {
			logger.Debug("Log stream ended, reconnecting", zap.Duration("retry_in", delay))
		}

		select {
		case <-ctx.Done():
			st.setState(types.StateDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// follow opens the pod log and forwards lines until the stream ends. The
// first connect reads TailLines of history; reconnects resume from the last
// line seen.
func (s *Source) follow(ctx context.Context, st *stream) error {
	opts := &corev1.PodLogOptions{
		Container:  s.opts.Container,
		Follow:     true,
		Timestamps: true,
	}
	if st.since.IsZero() {
		tail := s.opts.TailLines
		opts.TailLines = &tail
	} else {
		since := metav1.NewTime(st.since)
		opts.SinceTime = &since
	}

	id := st.identity()
	rc, err := s.open(ctx, id.Namespace, id.Name, opts)
	if err != nil {
		return fmt.Errorf("opening log stream: %w", err)
	}
	defer rc.Close()

	st.setState(types.StateConnected)
	resumeAfter, replayed := st.since, st.sinceSeen

	reader := bufio.NewReaderSize(rc, 4096)
	for {
		line, err := readLine(reader, s.opts.MaxLineBytes)
		if errors.Is(err, errLineTooLong) {
			linesDroppedTotal.WithLabelValues("too_long").Inc()
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading log stream: %w", err)
		}

		ts, hasTS := lineTimestamp(line)
		if hasTS {
			// SinceTime has second precision, so a reconnect replays part
			// of the last second. Lines sharing the last timestamp are
			// skipped only as many times as they were already read.
			if !resumeAfter.IsZero() {
				if ts.Before(resumeAfter) {
					linesDroppedTotal.WithLabelValues("replayed").Inc()
					continue
				}
				if ts.Equal(resumeAfter) && replayed > 0 {
					replayed--
					linesDroppedTotal.WithLabelValues("replayed").Inc()
					continue
				}
			}
			if ts.Equal(st.since) {
				st.sinceSeen++
			} else {
				st.since = ts
				st.sinceSeen = 1
			}
		}

		raw := types.RawLine{Pod: st.identity(), Text: line, Received: time.Now()}
		select {
		case s.lines <- raw:
		case <-ctx.Done():
			return nil
		}

		linesTotal.Inc()
		st.mu.Lock()
		st.lines++
		st.lastLine = raw.Received
		st.mu.Unlock()
	}
}

// readLine reads one line without its terminator. A line longer than limit is
// consumed and reported as errLineTooLong.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var b strings.Builder
	tooLong := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if b.Len() > 0 && errors.Is(err, io.EOF) && !tooLong {
				return b.String(), nil
			}
			return "", err
		}
		if !tooLong {
			if b.Len()+len(chunk) > limit {
				tooLong = true
				b.Reset()
			} else {
				b.Write(chunk)
			}
		}
		if !isPrefix {
			break
		}
	}
	if tooLong {
		return "", errLineTooLong
	}
	return strings.TrimSuffix(b.String(), "\r"), nil
}

// lineTimestamp extracts the RFC3339 prefix the log API adds with
// Timestamps enabled.
func lineTimestamp(line string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(line, " ")
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, prefix)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
