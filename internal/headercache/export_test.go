package headercache

import "time"

func (c *Cache) SetClock(now func() time.Time) { c.now = now }
