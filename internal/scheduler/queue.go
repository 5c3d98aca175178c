package scheduler

import "container/heap"

// queueItem orders one dispatchable task: higher priority first, ties broken
// by the builder-assigned sequence number so equal-priority tasks keep
// creation order.
type queueItem struct {
	id       string
	priority int
	seq      int
}

// taskQueue is a per-capability dispatch queue backed by container/heap.
type taskQueue []queueItem

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(queueItem)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

func (q *taskQueue) push(it queueItem) { heap.Push(q, it) }

func (q *taskQueue) pop() queueItem { return heap.Pop(q).(queueItem) }
