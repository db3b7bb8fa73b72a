package worker

import "time"

func (p *Pool) SetClock(now func() time.Time)    { p.now = now }
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }
