package alarm

import "time"

func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }
