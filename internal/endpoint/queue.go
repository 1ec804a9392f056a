package endpoint

import "sync"

// Queue holds deferred tasks per service name until that service becomes
// available. The empty name is the generic queue.
type Queue struct {
	mu    sync.Mutex
	tasks map[string][]func()
}

// Push appends task to the queue for name and returns the new length.
func (q *Queue) Push(name string, task func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tasks == nil {
		q.tasks = make(map[string][]func())
	}
	q.tasks[name] = append(q.tasks[name], task)
	return len(q.tasks[name])
}

// Len returns the number of tasks waiting under name.
func (q *Queue) Len(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks[name])
}

// Flush runs every task queued under name, in the order they were pushed,
// and returns how many ran. The queue is emptied before any task runs, so
// a task that pushes again lands in a fresh queue.
func (q *Queue) Flush(name string) int {
	q.mu.Lock()
	tasks := q.tasks[name]
	delete(q.tasks, name)
	q.mu.Unlock()

	for _, task := range tasks {
		task()
	}
	return len(tasks)
}
