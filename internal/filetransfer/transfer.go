// Package filetransfer implements the chunked file-transfer state machine:
// offer, accept/reject, index-keyed chunk reassembly, and finalization.
package filetransfer

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ChunkSize is the raw byte size of one FILE_CHUNK payload before base64.
const ChunkSize = 1024

// PacingDelay is the inter-chunk send delay limiting bursts.
const PacingDelay = 100 * time.Millisecond

var (
	ErrUnknownTransfer = errors.New("filetransfer: unknown transfer")
	ErrNotActive       = errors.New("filetransfer: transfer not in progress")
	ErrNotIncoming     = errors.New("filetransfer: chunk for outgoing transfer")
	ErrChunkRange      = errors.New("filetransfer: chunk index out of range")
	ErrSizeMismatch    = errors.New("filetransfer: reassembled size mismatch")
	ErrBadTransition   = errors.New("filetransfer: invalid status transition")
	ErrEmptyFile       = errors.New("filetransfer: empty file")
)

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Status transitions monotonically:
// pending -> (in-progress | cancelled) -> (completed | failed).
type Status int

const (
	Pending Status = iota
	InProgress
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s Status) terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// TotalChunks is ceil(size / chunkSize).
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Transfer is one file transfer, keyed by its FileID.
type Transfer struct {
	FileID      string
	Direction   Direction
	Remote      string
	Filename    string
	Size        int64
	MIME        string
	Description string
	ChunkSize   int
	TotalChunks int
	Status      Status
	Token       string

	chunks         map[int][]byte
	ChunksReceived int
	ReceivedBytes  int64
	Created        time.Time
	Finished       time.Time
	LocalPath      string
}

// snapshot returns a detached copy safe to hand out of the manager's lock.
// The chunk buffers stay behind; callers read progress via ChunksReceived
// and ReceivedBytes.
func (t *Transfer) snapshot() Transfer {
	c := *t
	c.chunks = nil
	return c
}

// Manager owns the pending-offer table and the active-transfer table.
type Manager struct {
	mu      sync.Mutex
	active  map[string]*Transfer
	pending map[string]*Transfer
}

func NewManager() *Manager {
	return &Manager{
		active:  make(map[string]*Transfer),
		pending: make(map[string]*Transfer),
	}
}

func newTransfer(fileID string, dir Direction, remote, filename, mime, desc string, size int64) *Transfer {
	return &Transfer{
		FileID:      fileID,
		Direction:   dir,
		Remote:      remote,
		Filename:    filename,
		Size:        size,
		MIME:        mime,
		Description: desc,
		ChunkSize:   ChunkSize,
		TotalChunks: TotalChunks(size, ChunkSize),
		Status:      Pending,
		chunks:      make(map[int][]byte),
		Created:     time.Now(),
	}
}

// TrackOutgoing registers an outgoing transfer after the offer is sent. The
// transfer stays pending until the peer accepts.
func (m *Manager) TrackOutgoing(fileID, remote, filename, mime, desc string, size int64) Transfer {
	t := newTransfer(fileID, Outgoing, remote, filename, mime, desc, size)
	m.mu.Lock()
	m.active[fileID] = t
	m.mu.Unlock()
	return t.snapshot()
}

// AddPendingOffer stores an inbound FILE_OFFER awaiting a user decision.
func (m *Manager) AddPendingOffer(fileID, remote, filename, mime, desc, token string, size int64) Transfer {
	t := newTransfer(fileID, Incoming, remote, filename, mime, desc, size)
	t.Token = token
	m.mu.Lock()
	m.pending[fileID] = t
	m.mu.Unlock()
	return t.snapshot()
}

// PendingOffers lists inbound offers awaiting accept/reject.
func (m *Manager) PendingOffers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, len(m.pending))
	for _, t := range m.pending {
		out = append(out, t.snapshot())
	}
	return out
}

// Accept moves a pending inbound offer into the active table and marks it
// in progress. Chunks are accepted only after this.
func (m *Manager) Accept(fileID string) (Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.pending[fileID]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	delete(m.pending, fileID)
	t.Status = InProgress
	m.active[fileID] = t
	return t.snapshot(), nil
}

// Reject drops a pending inbound offer.
func (m *Manager) Reject(fileID string) (Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.pending[fileID]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	delete(m.pending, fileID)
	t.Status = Cancelled
	t.Finished = time.Now()
	return t.snapshot(), nil
}

// Get returns a copy of an active transfer.
func (m *Manager) Get(fileID string) (Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[fileID]
	if !ok {
		return Transfer{}, false
	}
	return t.snapshot(), true
}

// Snapshot lists all active (and finished but not yet evicted) transfers.
// The copies are detached; the receive goroutine keeps mutating the
// originals under the manager lock.
func (m *Manager) Snapshot() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, t.snapshot())
	}
	return out
}

// Transition applies a status change, enforcing monotonic ordering.
func (m *Manager) Transition(fileID string, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[fileID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	return transition(t, to)
}

func transition(t *Transfer, to Status) error {
	from := t.Status
	valid := false
	switch from {
	case Pending:
		valid = to == InProgress || to == Cancelled
	case InProgress:
		valid = to == Completed || to == Failed || to == Cancelled
	}
	if !valid {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	t.Status = to
	if to.terminal() {
		t.Finished = time.Now()
	}
	return nil
}

// AddChunk stores one decoded chunk. Duplicates are silently ignored; chunks
// for outgoing transfers, transfers not in progress, or out-of-range indices
// are errors. Returns true once every chunk has arrived.
func (m *Manager) AddChunk(fileID string, index int, data []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[fileID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	if t.Direction != Incoming {
		return false, fmt.Errorf("%w: %s", ErrNotIncoming, fileID)
	}
	if t.Status != InProgress {
		return false, fmt.Errorf("%w: %s is %s", ErrNotActive, fileID, t.Status)
	}
	if index < 0 || index >= t.TotalChunks {
		return false, fmt.Errorf("%w: %d of %d", ErrChunkRange, index, t.TotalChunks)
	}
	if _, dup := t.chunks[index]; dup {
		return len(t.chunks) == t.TotalChunks, nil
	}
	t.chunks[index] = data
	t.ChunksReceived = len(t.chunks)
	t.ReceivedBytes += int64(len(data))
	return len(t.chunks) == t.TotalChunks, nil
}

// Assemble concatenates the chunks in index order and checks the declared
// size. The transfer must have every chunk.
func (m *Manager) Assemble(fileID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	if len(t.chunks) != t.TotalChunks {
		return nil, fmt.Errorf("%w: %d/%d chunks", ErrNotActive, len(t.chunks), t.TotalChunks)
	}
	out := make([]byte, 0, t.Size)
	for i := 0; i < t.TotalChunks; i++ {
		out = append(out, t.chunks[i]...)
	}
	if int64(len(out)) != t.Size {
		return nil, fmt.Errorf("%w: got %d want %d", ErrSizeMismatch, len(out), t.Size)
	}
	return out, nil
}

// Finalize marks a transfer completed and records where it was written.
func (m *Manager) Finalize(fileID, localPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[fileID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, fileID)
	}
	if err := transition(t, Completed); err != nil {
		return err
	}
	t.LocalPath = localPath
	t.chunks = make(map[int][]byte)
	return nil
}

// Evict drops transfers older than maxAge: terminal ones by finish time,
// stalled pending or in-progress ones (peer gone mid-transfer, offer never
// answered) by creation time. Housekeeping calls this hourly; promptness is
// not required for correctness.
func (m *Manager) Evict(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.active {
		stale := t.Status.terminal() && !t.Finished.IsZero() && t.Finished.Before(cutoff)
		stalled := !t.Status.terminal() && t.Created.Before(cutoff)
		if stale || stalled {
			delete(m.active, id)
			n++
		}
	}
	for id, t := range m.pending {
		if t.Created.Before(cutoff) {
			delete(m.pending, id)
			n++
		}
	}
	return n
}
