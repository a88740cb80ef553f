package tracker

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Artifact is the tracked state of one shot (or character) in a stage.
type Artifact struct {
	Ordinal   int       `json:"shot_number"`
	Status    Status    `json:"status"`
	JobID     string    `json:"job_id,omitempty"`
	OutputURL string    `json:"output_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	// PendingConfirmation marks a local result the store has not echoed back yet.
	PendingConfirmation bool `json:"pending_confirmation,omitempty"`
}

// Active reports whether the artifact still needs polling.
func (a Artifact) Active() bool {
	return a.Status == StatusGenerating || a.PendingConfirmation
}

type Counts struct {
	Pending    int `json:"pending"`
	Generating int `json:"generating"`
	Success    int `json:"success"`
	Failed     int `json:"failed"`
	// Unconfirmed counts artifacts awaiting confirmation, whatever their status.
	Unconfirmed int `json:"unconfirmed"`
}

func (c Counts) Total() int {
	return c.Pending + c.Generating + c.Success + c.Failed
}

// Board holds the artifacts of one project stage.
type Board struct {
	mu    sync.Mutex
	items map[int]Artifact
}

func NewBoard(arts []Artifact) *Board {
	b := &Board{items: make(map[int]Artifact, len(arts))}
	for _, a := range arts {
		b.items[a.Ordinal] = a
	}
	return b
}

// Apply runs event against one artifact.
func (b *Board) Apply(ordinal int, e Event, at time.Time) (Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.items[ordinal]
	if !ok {
		a = Artifact{Ordinal: ordinal, Status: StatusPending}
	}
	next, err := Transition(a.Status, e)
	if err != nil {
		return a, err
	}
	a.Status = next
	a.UpdatedAt = at
	if e == EventRetry || e == EventSubmit {
		a.Error = ""
		a.OutputURL = ""
	}
	b.items[ordinal] = a
	return a, nil
}

// ApplyLocal records a result that was produced locally and written to the
// store but not yet read back. It keeps the stage active until confirmed.
func (b *Board) ApplyLocal(a Artifact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a.PendingConfirmation = true
	b.items[a.Ordinal] = a
}

// Merge folds remote state in; the later UpdatedAt wins. A remote record at
// least as new as a local unconfirmed one confirms it. Merge reports whether
// anything changed.
func (b *Board) Merge(remote []Artifact) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for _, r := range remote {
		r.PendingConfirmation = false
		cur, ok := b.items[r.Ordinal]
		if ok && cur.UpdatedAt.After(r.UpdatedAt) {
			continue
		}
		if ok && same(cur, r) {
			continue
		}
		b.items[r.Ordinal] = r
		changed = true
	}
	return changed
}

// Snapshot returns the artifacts ordered by ordinal.
func (b *Board) Snapshot() []Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Artifact, 0, len(b.items))
	for _, a := range b.items {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func same(a, b Artifact) bool {
	return a.Ordinal == b.Ordinal && a.Status == b.Status && a.JobID == b.JobID &&
		a.OutputURL == b.OutputURL && a.Error == b.Error &&
		a.PendingConfirmation == b.PendingConfirmation && a.UpdatedAt.Equal(b.UpdatedAt)
}

func (b *Board) Get(ordinal int) (Artifact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.items[ordinal]
	return a, ok
}

// Active counts artifacts that still need polling.
func (b *Board) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, a := range b.items {
		if a.Active() {
			n++
		}
	}
	return n
}

func (b *Board) Counts() Counts {
	return CountOf(b.Snapshot())
}

// CanProceed is true once every artifact is terminal and confirmed.
func (b *Board) CanProceed() bool {
	c := b.Counts()
	return c.Total() > 0 && c.Pending == 0 && c.Generating == 0 && c.Unconfirmed == 0
}

func (b *Board) Signature() string {
	return Signature(b.Snapshot())
}

func CountOf(arts []Artifact) Counts {
	var c Counts
	for _, a := range arts {
		switch a.Status {
		case StatusPending:
			c.Pending++
		case StatusGenerating:
			c.Generating++
		case StatusSuccess:
			c.Success++
		case StatusFailed:
			c.Failed++
		}
		if a.PendingConfirmation {
			c.Unconfirmed++
		}
	}
	return c
}

// Signature is a cheap fingerprint of a poll result: ordinal, status and
// update time of every artifact. Equal signatures mean nothing to propagate.
func Signature(arts []Artifact) string {
	sorted := append([]Artifact(nil), arts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })
	parts := make([]string, len(sorted))
	for i, a := range sorted {
		parts[i] = strconv.Itoa(a.Ordinal) + ":" + string(a.Status) + ":" + strconv.FormatInt(a.UpdatedAt.UnixNano(), 10)
		if a.PendingConfirmation {
			parts[i] += ":local"
		}
	}
	return strings.Join(parts, "|")
}

// NeedsPolling reports whether any artifact is still active; used to resume
// a stage after a restart.
func NeedsPolling(arts []Artifact) bool {
	for _, a := range arts {
		if a.Active() {
			return true
		}
	}
	return false
}
