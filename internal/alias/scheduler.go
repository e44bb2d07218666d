package alias

import (
	"time"

	"tempmail/aliasmx/internal/domain"
	"tempmail/aliasmx/internal/eventloop"
)

// Scheduler 每个别名最多一个删除定时器。
//
// 所有方法只能在事件循环中调用。
type Scheduler struct {
	loop   *eventloop.Loop
	now    func() time.Time
	fire   func(key domain.AliasKey)
	timers map[domain.AliasKey]*eventloop.Timer
}

// NewScheduler 创建删除调度器，fire 在事件循环中执行
func NewScheduler(loop *eventloop.Loop, now func() time.Time, fire func(key domain.AliasKey)) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		loop:   loop,
		now:    now,
		fire:   fire,
		timers: make(map[domain.AliasKey]*eventloop.Timer),
	}
}

// Arm 安排在 expiresAt 删除别名。已过期立即同步执行；重复调用会先取消旧定时器。
func (s *Scheduler) Arm(key domain.AliasKey, expiresAt time.Time) {
	s.Disarm(key)

	delay := expiresAt.Sub(s.now())
	if delay <= 0 {
		s.fire(key)
		return
	}

	var t *eventloop.Timer
	t = s.loop.AfterFunc(delay, func() {
		if s.timers[key] == t {
			delete(s.timers, key)
		}
		s.fire(key)
	})
	s.timers[key] = t
}

// Disarm 取消指定别名的定时器
func (s *Scheduler) Disarm(key domain.AliasKey) bool {
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	return t.Stop()
}

// DisarmAll 取消全部定时器，返回取消的数量
func (s *Scheduler) DisarmAll() int {
	n := 0
	for key, t := range s.timers {
		if t.Stop() {
			n++
		}
		delete(s.timers, key)
	}
	return n
}

// Pending 返回已安排但尚未执行的定时器数量
func (s *Scheduler) Pending() int {
	return len(s.timers)
}

// Armed 判断指定别名是否有待执行的定时器
func (s *Scheduler) Armed(key domain.AliasKey) bool {
	_, ok := s.timers[key]
	return ok
}
