package detection

import "time"

func (l *ScanLimiter) SetClock(now func() time.Time) { l.now = now }
