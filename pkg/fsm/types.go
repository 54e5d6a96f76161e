package fsm

// FlashRequest is the FSM input. It is persisted by the FSM store, so it
// carries plain values only.
type FlashRequest struct {
	Version   string
	ImagePath string
	S3Key     string
	// Checksum is the hex digest of the whole image.
	Checksum  string
	Algorithm string
}

// FlashResponse is the FSM output (accumulated across transitions)
type FlashResponse struct {
	// From CheckStatus
	CurrentVersion string
	ResumeOffset   uint32
	AlreadyPending bool

	// From Transfer
	LocalPath    string
	ImageSize    int64
	BytesWritten int64
	Chunks       int
	Resyncs      int

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckStatus = "check_status"
	StateStart       = "start"
	StateTransfer    = "transfer"
	StateCommit      = "commit"
	StateComplete    = "complete"
	StateFailed      = "failed"
)

// Result statuses
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)
