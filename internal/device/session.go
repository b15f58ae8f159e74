package device

import (
	"context"
	"sync"
	"time"

	"github.com/mpataki/phonepilot/internal/models"
)

type Capturer interface {
	CaptureScreenshot(ctx context.Context, deviceID string) *models.Screenshot
}

// Session tracks the selected device and keeps its screenshot fresh. While
// a device is selected it captures immediately and then every interval.
type Session struct {
	capturer Capturer
	interval time.Duration
	onShot   func(*models.Screenshot)

	mu       sync.Mutex
	selected string
	gen      uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSession creates a session. onShot runs with the session lock held and
// must not call back into the Session.
func NewSession(capturer Capturer, interval time.Duration, onShot func(*models.Screenshot)) *Session {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if onShot == nil {
		onShot = func(*models.Screenshot) {}
	}
	return &Session{
		capturer: capturer,
		interval: interval,
		onShot:   onShot,
	}
}

// Select changes the selected device. An empty id clears the selection and
// stops polling before returning; any other id restarts the
// capture-then-interval cycle, even when it equals the current selection.
func (s *Session) Select(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.selected = deviceID

	if deviceID == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.poll(ctx, s.gen, deviceID)
}

func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Refresh captures the selected device now. The result is delivered like a
// polled capture and also returned. With nothing selected it returns nil.
func (s *Session) Refresh(ctx context.Context) *models.Screenshot {
	s.mu.Lock()
	gen, id := s.gen, s.selected
	s.mu.Unlock()

	if id == "" {
		return nil
	}
	shot := s.capturer.CaptureScreenshot(ctx, id)
	s.deliver(gen, shot)
	return shot
}

// Close stops polling and waits for the poller to exit.
func (s *Session) Close() {
	s.Select("")
	s.wg.Wait()
}

func (s *Session) poll(ctx context.Context, gen uint64, deviceID string) {
	defer s.wg.Done()

	s.deliver(gen, s.capturer.CaptureScreenshot(ctx, deviceID))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deliver(gen, s.capturer.CaptureScreenshot(ctx, deviceID))
		}
	}
}

// deliver drops captures that belong to a superseded selection.
func (s *Session) deliver(gen uint64, shot *models.Screenshot) {
	if shot == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.onShot(shot)
}
