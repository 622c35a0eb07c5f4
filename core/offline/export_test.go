package offline

// SetQueueClock replaces the clock used to timestamp new operations.
func SetQueueClock(q *Queue, now func() int64) {
	q.now = now
}

// IsRunning reports whether Run is consuming sync requests.
func IsRunning(m *Manager) bool {
	return m.running.Load()
}
