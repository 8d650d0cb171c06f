package scheduler

import (
	"time"

	"github.com/supporttools/GoDBGuard/pkg/ledger"
)

// entry is a queued schedule
type entry struct {
	def   *ledger.ScheduleDefinition
	next  time.Time
	index int
}

// fireQueue is a min-heap of entries ordered by next fire time
type fireQueue []*entry

func (q fireQueue) Len() int { return len(q) }

func (q fireQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].def.Name < q[j].def.Name
	}
	return q[i].next.Before(q[j].next)
}

func (q fireQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *fireQueue) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *fireQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// due reports whether the earliest entry fires at or before now
func (q fireQueue) due(now time.Time) bool {
	return len(q) > 0 && !q[0].next.After(now)
}
