package telemetry

import "time"

func (s *Sink) SetClock(now func() time.Time) { s.now = now }

func (s *Sink) PendingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingBytes
}
