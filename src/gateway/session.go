package gateway

// Session holds the resume state of one gateway session: last-seen sequence
// number, session identifier and the resume URL announced by Ready. It is
// owned exclusively by the run loop; other goroutines only see snapshots.
type Session struct {
	id        string
	sequence  uint64
	resumeURL string
}

// CanResume reports whether the state identifies a live server-side session.
func (s *Session) CanResume() bool {
	return s.id != ""
}

// Clear wipes the state after a non-resumable invalidation. The next
// connect must identify from scratch.
func (s *Session) Clear() {
	s.id = ""
	s.sequence = 0
	s.resumeURL = ""
}

// observe records a dispatch sequence number. Sequences never regress
// within a session; a stale number after a resume replay is ignored.
func (s *Session) observe(seq uint64) {
	if seq > s.sequence {
		s.sequence = seq
	}
}
