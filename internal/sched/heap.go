package sched

import "container/heap"

// item is a scheduled timer inside the priority queue. seq breaks ties for
// timers expiring at the same instant, preserving scheduling order.
type item struct {
	timer Timer
	seq   uint64
	index int
}

// timerQueue orders items by expiry, earliest first.
type timerQueue []*item

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].timer.ExpiresAt != q[j].timer.ExpiresAt {
		return q[i].timer.ExpiresAt < q[j].timer.ExpiresAt
	}
	return q[i].seq < q[j].seq
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q timerQueue) peek() *item {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

var _ heap.Interface = (*timerQueue)(nil)
