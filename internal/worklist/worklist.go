// Package worklist is the operator's view of today's tickets. Each ticket
// keeps its confirmed status apart from an in-flight transition, so a
// rejected request never leaves a status the server did not accept.
package worklist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"qms/token-portal/internal/models"
	"qms/token-portal/internal/store"
	"qms/token-portal/internal/tokenapi"
)

var (
	ErrUnknownToken       = errors.New("token is not in the worklist")
	ErrTransitionPending  = errors.New("token already has a status change in flight")
	ErrTransitionRejected = errors.New("transition not allowed from the current status")
)

type API interface {
	ListTokens(ctx context.Context, filter tokenapi.Filter) ([]models.Token, error)
	UpdateStatus(ctx context.Context, tokenID int64, status string) (models.Token, error)
}

type Scope struct {
	DepartmentID int64
	DivisionID   int64
}

// Entry is one row of the worklist. Token holds the last status the
// server confirmed; Pending names the target of an unacknowledged change.
type Entry struct {
	Token     models.Token
	Pending   string
	LastError error
}

func (e Entry) IsPending() bool {
	return e.Pending != ""
}

type Action struct {
	Label  string
	Target string
}

// Actions lists the buttons an operator gets for a ticket in status.
func Actions(status string) []Action {
	switch models.NormalizeStatus(status) {
	case models.StatusWaiting:
		return []Action{{Label: "Confirm", Target: models.StatusCalled}, {Label: "Cancel", Target: models.StatusCancelled}}
	case models.StatusCalled, models.StatusServing:
		return []Action{{Label: "Complete", Target: models.StatusCompleted}, {Label: "Cancel", Target: models.StatusCancelled}}
	default:
		return nil
	}
}

type Worklist struct {
	api   API
	scope Scope

	mu      sync.Mutex
	entries map[int64]*Entry
}

func New(api API, scope Scope) *Worklist {
	return &Worklist{api: api, scope: scope, entries: map[int64]*Entry{}}
}

// Load refetches every ticket in scope. Confirmed state is replaced;
// entries with a change in flight keep their pending target.
func (w *Worklist) Load(ctx context.Context) error {
	tokens, err := w.api.ListTokens(ctx, tokenapi.Filter{
		DepartmentID: w.scope.DepartmentID,
		DivisionID:   w.scope.DivisionID,
	})
	if err != nil {
		return fmt.Errorf("load worklist: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	next := make(map[int64]*Entry, len(tokens))
	for _, token := range tokens {
		token.Status = models.NormalizeStatus(token.Status)
		entry := &Entry{Token: token}
		if prev, ok := w.entries[token.TokenID]; ok && prev.IsPending() {
			entry.Pending = prev.Pending
		}
		next[token.TokenID] = entry
	}
	for id, prev := range w.entries {
		if _, ok := next[id]; !ok && prev.IsPending() {
			next[id] = prev
		}
	}
	w.entries = next
	return nil
}

// Entries returns a snapshot ordered by token number.
func (w *Worklist) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, 0, len(w.entries))
	for _, entry := range w.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token.TokenNumber != out[j].Token.TokenNumber {
			return out[i].Token.TokenNumber < out[j].Token.TokenNumber
		}
		return out[i].Token.TokenID < out[j].Token.TokenID
	})
	return out
}

func (w *Worklist) Get(tokenID int64) (Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.entries[tokenID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Advance requests a status change and commits it only on acknowledgement.
func (w *Worklist) Advance(ctx context.Context, tokenID int64, next string) (models.Token, error) {
	next = models.NormalizeStatus(next)

	w.mu.Lock()
	entry, ok := w.entries[tokenID]
	if !ok {
		w.mu.Unlock()
		return models.Token{}, ErrUnknownToken
	}
	if entry.IsPending() {
		w.mu.Unlock()
		return models.Token{}, ErrTransitionPending
	}
	from := entry.Token.Status
	if !store.ValidTransition(from, next) {
		w.mu.Unlock()
		return models.Token{}, fmt.Errorf("%w: %s -> %s", ErrTransitionRejected, from, next)
	}
	entry.Pending = next
	entry.LastError = nil
	w.mu.Unlock()

	updated, err := w.api.UpdateStatus(ctx, tokenID, next)

	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok = w.entries[tokenID]
	if !ok {
		// dropped by a concurrent Load; the server answer is still returned
		entry = &Entry{Token: models.Token{TokenID: tokenID, Status: from}}
		w.entries[tokenID] = entry
	}
	entry.Pending = ""
	if err != nil {
		entry.LastError = err
		log.Printf("worklist transition error token_id=%d from=%s to=%s: %v", tokenID, from, next, err)
		return entry.Token, err
	}
	if updated.TokenID == 0 {
		// bare acknowledgement: keep the local copy at the new status
		updated = entry.Token
		updated.Status = next
	}
	if updated.Status == "" {
		updated.Status = next
	}
	updated.Status = models.NormalizeStatus(updated.Status)
	entry.Token = updated
	return updated, nil
}

func (w *Worklist) Cancel(ctx context.Context, tokenID int64) (models.Token, error) {
	return w.Advance(ctx, tokenID, models.StatusCancelled)
}
