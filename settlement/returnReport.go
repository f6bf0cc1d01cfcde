package settlement

import (
	"errors"
	"strconv"
	"strings"
)

type ReturnEntryState string

const (
	ReturnEntryPending    ReturnEntryState = "Pending"
	ReturnEntryResolved   ReturnEntryState = "Resolved"
	ReturnEntryUnresolved ReturnEntryState = "Unresolved"
)

// ReturnEntry is one scanned or typed code. Each entry stands for one unit.
type ReturnEntry struct {
	ID        string           `json:"id"`
	Code      string           `json:"code"`
	ProductId int              `json:"product_id"`
	State     ReturnEntryState `json:"state"`
}

// ReturnReport is the ordered list of codes reported as physically returned.
// It is transient: it lives only as long as the session.
type ReturnReport struct {
	entries []ReturnEntry
	seq     int
}

func normalizeCode(code string) string {
	return strings.TrimSpace(code)
}

// Add appends a pending entry and returns its id.
func (r *ReturnReport) Add(code string) string {
	r.seq++
	id := "r" + strconv.Itoa(r.seq)
	r.entries = append(r.entries, ReturnEntry{ID: id, Code: normalizeCode(code), State: ReturnEntryPending})
	return id
}

// Remove drops the most recent entry with the given code.
func (r *ReturnReport) Remove(code string) bool {
	code = normalizeCode(code)
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Code == code {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Resolve records the directory outcome for an entry. A NotFound error marks
// the entry unresolved; any other error leaves it pending so it can be retried.
func (r *ReturnReport) Resolve(entryId string, productId int, err error) error {
	for i := range r.entries {
		if r.entries[i].ID != entryId {
			continue
		}
		switch {
		case err == nil:
			r.entries[i].ProductId = productId
			r.entries[i].State = ReturnEntryResolved
		case errors.Is(err, ErrNotFound):
			r.entries[i].ProductId = 0
			r.entries[i].State = ReturnEntryUnresolved
		default:
			return err
		}
		return nil
	}
	return notFound("return entry", entryId)
}

func (r *ReturnReport) Entries() []ReturnEntry {
	out := make([]ReturnEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *ReturnReport) Pending() []ReturnEntry {
	var out []ReturnEntry
	for _, e := range r.entries {
		if e.State == ReturnEntryPending {
			out = append(out, e)
		}
	}
	return out
}

func (r *ReturnReport) HasPending() bool {
	for _, e := range r.entries {
		if e.State == ReturnEntryPending {
			return true
		}
	}
	return false
}
