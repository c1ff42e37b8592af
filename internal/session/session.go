// Package session decides, on terminal creation, whether a provided
// resume session id leads to reusing an existing canonical terminal,
// resuming fresh with the id, or dropping the id entirely. It consults
// the external session-repair service for a verdict on the session's
// on-disk history, waiting a bounded time when no verdict is cached.
package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/freshell/freshell/internal/protocol"
)

// RepairStatus is the session-repair service's verdict on a session.
type RepairStatus string

const (
	StatusHealthy   RepairStatus = "healthy"
	StatusMissing   RepairStatus = "missing"
	StatusCorrupted RepairStatus = "corrupted"
)

// RepairResult is the outcome of validating (and possibly fixing) a
// session's history file.
type RepairResult struct {
	Status RepairStatus
	// SessionID is the effective session id after repair; repair can
	// re-root a corrupted chain onto a new tip.
	SessionID string
	// Chain lists the session ids traversed while validating, for
	// diagnostics.
	Chain []string
}

// RepairService is the external session-repair collaborator.
type RepairService interface {
	// GetResult returns the cached verdict for sessionID, if any.
	GetResult(sessionID string) (RepairResult, bool)
	// WaitForSession blocks until a verdict is available, the timeout
	// elapses, or ctx is cancelled.
	WaitForSession(ctx context.Context, sessionID string, timeout time.Duration) (RepairResult, error)
}

// OwnerLookup is the registry's canonical-owner surface.
type OwnerLookup interface {
	CanonicalOwner(mode, resumeSessionID string) (terminalID string, ok bool)
	RepairOwners(mode, resumeSessionID string) (terminalID string, ok bool)
}

// ErrCancelled is returned when the requesting connection went away
// during resolution; the pending creation must not complete.
var ErrCancelled = errors.New("session resolution cancelled")

// Resolution is the resolver's decision.
type Resolution struct {
	// ReuseTerminalID, when non-empty, names the running canonical
	// terminal to attach instead of creating a new one.
	ReuseTerminalID string
	// EffectiveResumeSessionID is the resume id a fresh terminal should
	// be created with; empty means no resume context.
	EffectiveResumeSessionID string
}

// Resolver implements the reuse decision.
type Resolver struct {
	repair      RepairService
	owners      OwnerLookup
	waitTimeout time.Duration
}

// NewResolver creates a Resolver. repair may be nil, in which case
// resume ids are used as given without a repair verdict.
func NewResolver(repair RepairService, owners OwnerLookup, waitTimeout time.Duration) *Resolver {
	return &Resolver{repair: repair, owners: owners, waitTimeout: waitTimeout}
}

// Resolve decides how to honor resumeSessionID for a create in the given
// mode. ctx is the requesting connection's context: cancellation aborts
// the resolution (and with it the creation) with ErrCancelled. All other
// failures degrade: an unverifiable session resumes optimistically, a
// missing one resumes nothing.
func (r *Resolver) Resolve(ctx context.Context, mode, resumeSessionID string) (Resolution, error) {
	if resumeSessionID == "" {
		return Resolution{}, nil
	}
	if !protocol.ValidResumeSessionID(resumeSessionID) {
		log.Printf("[resolver] dropping malformed resume session id %q", resumeSessionID)
		return Resolution{}, nil
	}

	effective := resumeSessionID
	if r.repair != nil {
		result, ok := r.repair.GetResult(resumeSessionID)
		if !ok {
			var err error
			result, err = r.repair.WaitForSession(ctx, resumeSessionID, r.waitTimeout)
			if ctx.Err() != nil {
				return Resolution{}, ErrCancelled
			}
			if err != nil {
				// Resuming with an unverified session beats refusing to
				// resume at all.
				log.Printf("[resolver] repair wait for %s failed, proceeding optimistically: %v",
					resumeSessionID, err)
				result = RepairResult{Status: StatusHealthy, SessionID: resumeSessionID}
			}
		}
		switch result.Status {
		case StatusMissing:
			log.Printf("[resolver] session %s missing, creating fresh terminal", resumeSessionID)
			return Resolution{}, nil
		case StatusHealthy, StatusCorrupted:
			if result.SessionID != "" {
				effective = result.SessionID
			}
		}
	}
	if ctx.Err() != nil {
		return Resolution{}, ErrCancelled
	}

	if id, ok := r.owners.CanonicalOwner(mode, effective); ok {
		return Resolution{ReuseTerminalID: id, EffectiveResumeSessionID: effective}, nil
	}
	// Legacy duplicates can shadow the canonical owner; repair them and
	// retry the lookup exactly once.
	if _, ok := r.owners.RepairOwners(mode, effective); ok {
		if id, ok := r.owners.CanonicalOwner(mode, effective); ok {
			return Resolution{ReuseTerminalID: id, EffectiveResumeSessionID: effective}, nil
		}
	}
	return Resolution{EffectiveResumeSessionID: effective}, nil
}
