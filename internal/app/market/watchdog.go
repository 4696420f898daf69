package market

import (
	"time"

	"github.com/proofmarket/pmkt/internal/domain"
)

// CheckExpiry decides whether an assigned task has run out of time. It
// returns a slash settlement iff the task is ASSIGNED and its deadline is
// strictly before now. Terminal tasks never expire again.
func CheckExpiry(task domain.Task, now time.Time) (Settlement, bool) {
	if task.Status != domain.TaskAssigned || !task.Deadline.Before(now) {
		return Settlement{}, false
	}
	return Settlement{Kind: SettleSlash, Task: task}, true
}

// touch loads a task and applies any pending expiry inside u. Every entry
// point that depends on a task's status calls it before anything else.
func (e *Engine) touch(u *unit, id uint64) (domain.Task, error) {
	task, err := u.tasks.Get(id)
	if err != nil {
		return domain.Task{}, err
	}
	s, ok := CheckExpiry(task, u.now)
	if !ok {
		return task, nil
	}
	if err := e.settle(u, &task, s, triggerDeadline); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// expiredAssigned lists committed ASSIGNED tasks past their deadline.
func (e *Engine) expiredAssigned(now time.Time) []uint64 {
	var out []uint64
	for _, t := range e.tasks.List(domain.TaskFilter{Status: domain.TaskAssigned}) {
		if t.Deadline.Before(now) {
			out = append(out, t.ID)
		}
	}
	return out
}
