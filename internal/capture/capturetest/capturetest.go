// Package capturetest provides scripted in-memory collaborators for driving
// capture sessions and the surveillance loop in tests.
package capturetest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/mikeyg42/lockguard/internal/capture"
)

var (
	ErrOpen       = errors.New("capturetest: device busy")
	ErrRead       = errors.New("capturetest: read failed")
	ErrDisconnect = errors.New("capturetest: device disconnected")
	ErrNoClip     = errors.New("capturetest: no such clip")
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Frame is an opaque frame identified by its position in the stream.
type Frame struct {
	ID     int64
	Width  int
	Height int
}

func (f *Frame) Seq() int64                { return f.ID }
func (f *Frame) Size() (width, height int) { return f.Width, f.Height }
func (f *Frame) Close() error              { return nil }

// Source yields Frames frames (IDs 0..Frames-1) on every Open.
type Source struct {
	Frames int
	Width  int
	Height int

	// FailOpens makes the first N Open calls fail.
	FailOpens int
	// FailReads makes the first N Read calls of every stream fail transiently.
	FailReads int
	// DisconnectAfter, when positive, makes every read after that many frames fail.
	DisconnectAfter int
	// StallAfter, when positive, blocks reads after that many frames until ctx is done.
	StallAfter int

	// Clock, when set, is advanced by Interval before each frame is returned.
	Clock    *Clock
	Interval time.Duration

	// Gate, when set, holds Open until it is closed.
	Gate chan struct{}

	mu      sync.Mutex
	opens   int
	active  int
	maxOpen int
	closes  int
}

func (s *Source) Open(ctx context.Context, device int) (capture.Stream, error) {
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.opens <= s.FailOpens {
		return nil, fmt.Errorf("open device %d: %w", device, ErrOpen)
	}
	s.active++
	if s.active > s.maxOpen {
		s.maxOpen = s.active
	}
	return &stream{src: s}, nil
}

// Opens counts Open calls, failed ones included.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Active is the number of streams currently open.
func (s *Source) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// MaxOpen is the highest number of simultaneously open streams observed.
func (s *Source) MaxOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOpen
}

func (s *Source) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *Source) size() (int, int) {
	if s.Width == 0 || s.Height == 0 {
		return 640, 480
	}
	return s.Width, s.Height
}

type stream struct {
	src    *Source
	next   int64
	reads  int
	closed bool
}

func (st *stream) Read(ctx context.Context) (capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := st.src
	st.reads++
	if st.reads <= s.FailReads {
		return nil, ErrRead
	}
	if s.StallAfter > 0 && st.next >= int64(s.StallAfter) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.DisconnectAfter > 0 && st.next >= int64(s.DisconnectAfter) {
		return nil, ErrDisconnect
	}
	if st.next >= int64(s.Frames) {
		return nil, capture.ErrEndOfStream
	}
	if s.Clock != nil {
		s.Clock.Advance(s.Interval)
	}
	w, h := s.size()
	f := &Frame{ID: st.next, Width: w, Height: h}
	st.next++
	return f, nil
}

func (st *stream) Close() error {
	s := st.src
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	s.active--
	s.closes++
	return nil
}

// Motion reports scripted pixel deltas keyed by frame ID.
type Motion struct {
	Deltas map[int64]int
	Min    int

	mu       sync.Mutex
	baseline bool
	resets   int
}

func (m *Motion) Update(f capture.Frame) (capture.MotionMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.baseline {
		m.baseline = true
		return capture.MotionMetrics{Timestamp: time.Now()}, nil
	}
	d := m.Deltas[f.Seq()]
	return capture.MotionMetrics{
		PixelDeltaCount: d,
		Timestamp:       time.Now(),
		Motion:          d > m.Min,
	}, nil
}

func (m *Motion) Reset() {
	m.mu.Lock()
	m.baseline = false
	m.resets++
	m.mu.Unlock()
}

func (m *Motion) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// Burst returns deltas of value for frames first..last inclusive.
func Burst(first, last int64, value int) map[int64]int {
	out := make(map[int64]int, last-first+1)
	for id := first; id <= last; id++ {
		out[id] = value
	}
	return out
}

// Clips stores finalized clips as frame ID lists keyed by path.
type Clips struct {
	FailCreate   error
	FailFinalize error

	mu        sync.Mutex
	clips     map[string][]int64
	discarded []string
	creates   int
}

func (c *Clips) Create(path string, fps float64, width, height int) (capture.ClipWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	if c.FailCreate != nil {
		return nil, c.FailCreate
	}
	return &clipWriter{sink: c, path: path, width: width, height: height}, nil
}

// Frames returns the frame IDs of the finalized clip at path.
func (c *Clips) Frames(path string) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.clips[path]...)
}

func (c *Clips) Discarded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.discarded...)
}

func (c *Clips) Creates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

// Put stores a finalized clip directly.
func (c *Clips) Put(path string, ids ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clips == nil {
		c.clips = make(map[string][]int64)
	}
	c.clips[path] = append([]int64(nil), ids...)
}

// OpenClip replays a finalized clip.
func (c *Clips) OpenClip(path string) (capture.Stream, error) {
	c.mu.Lock()
	ids, ok := c.clips[path]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open clip %s: %w", path, ErrNoClip)
	}
	return &clipStream{ids: append([]int64(nil), ids...)}, nil
}

// Snapshot renders the first frame of the clip as "frame-<id>".
func (c *Clips) Snapshot(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.clips[path]
	if len(ids) == 0 {
		return nil, fmt.Errorf("snapshot %s: %w", path, ErrNoClip)
	}
	return []byte(fmt.Sprintf("frame-%d", ids[0])), nil
}

type clipWriter struct {
	sink   *Clips
	path   string
	width  int
	height int
	ids    []int64
	done   bool
}

func (w *clipWriter) Append(f capture.Frame) error {
	if w.done {
		return errors.New("capturetest: append to closed clip")
	}
	w.ids = append(w.ids, f.Seq())
	return nil
}

func (w *clipWriter) Finalize() error {
	w.done = true
	if w.sink.FailFinalize != nil {
		return w.sink.FailFinalize
	}
	if len(w.ids) == 0 {
		return errors.New("capturetest: empty clip")
	}
	w.sink.Put(w.path, w.ids...)
	return nil
}

func (w *clipWriter) Discard() error {
	w.done = true
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	w.sink.discarded = append(w.sink.discarded, w.path)
	delete(w.sink.clips, w.path)
	return nil
}

type clipStream struct {
	ids []int64
	pos int
}

func (cs *clipStream) Read(ctx context.Context) (capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cs.pos >= len(cs.ids) {
		return nil, capture.ErrEndOfStream
	}
	f := &Frame{ID: cs.ids[cs.pos], Width: 640, Height: 480}
	cs.pos++
	return f, nil
}

func (cs *clipStream) Close() error { return nil }

// Faces is a classifier that finds one face in the listed frames.
type Faces struct {
	In map[int64]bool

	mu      sync.Mutex
	scanned []int64
}

func (fc *Faces) Detect(f capture.Frame) ([]image.Rectangle, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.scanned = append(fc.scanned, f.Seq())
	if fc.In[f.Seq()] {
		return []image.Rectangle{image.Rect(10, 10, 90, 90)}, nil
	}
	return nil, nil
}

// Scanned lists the frame IDs passed to Detect, in order.
func (fc *Faces) Scanned() []int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]int64(nil), fc.scanned...)
}
