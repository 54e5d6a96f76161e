package firmware

// Status is a snapshot of the durable update state.
type Status struct {
	// CurrentVersion is the version presently bootable.
	CurrentVersion []byte
	// NextOffset is how many bytes of the in-progress image are durably staged.
	NextOffset uint32
	// NextVersion is the in-progress version, nil when NextOffset is 0.
	NextVersion []byte
	// Pending is set once a verified image is marked for the next boot.
	Pending bool
}

// Idle reports whether no image bytes are staged or pending.
func (s *Status) Idle() bool {
	return s.NextVersion == nil && !s.Pending
}
