package registry

import (
	"log"
	"time"

	"github.com/freshell/freshell/internal/database"
)

// CanonicalOwner returns the single running terminal authoritative for
// the (mode, resume session id) pair. With multiple claimants the most
// recently active wins; RepairOwners resolves such duplicates durably.
func (r *Registry) CanonicalOwner(mode, resumeSessionID string) (string, bool) {
	if resumeSessionID == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *terminal
	var bestActivity time.Time
	for _, t := range r.terminals {
		t.mu.Lock()
		claims := t.status == StatusRunning && t.mode == mode && t.resumeSessionID == resumeSessionID
		activity := t.lastActivity
		t.mu.Unlock()
		if !claims {
			continue
		}
		if best == nil || activity.After(bestActivity) {
			best = t
			bestActivity = activity
		}
	}
	if best == nil {
		return "", false
	}
	return best.id, true
}

// RepairOwners deduplicates legacy owners of a (mode, resume session id)
// pair: the most recently active running claimant stays canonical and
// the rest lose their resume claim. Returns the canonical terminal id,
// or ok=false when no running terminal claims the session.
func (r *Registry) RepairOwners(mode, resumeSessionID string) (string, bool) {
	if resumeSessionID == "" {
		return "", false
	}
	r.mu.RLock()
	var claimants []*terminal
	for _, t := range r.terminals {
		t.mu.Lock()
		claims := t.status == StatusRunning && t.mode == mode && t.resumeSessionID == resumeSessionID
		t.mu.Unlock()
		if claims {
			claimants = append(claimants, t)
		}
	}
	r.mu.RUnlock()

	if len(claimants) == 0 {
		return "", false
	}

	canonical := claimants[0]
	for _, t := range claimants[1:] {
		t.mu.Lock()
		newer := t.lastActivity.After(canonical.lastActivity)
		t.mu.Unlock()
		if newer {
			canonical = t
		}
	}

	for _, t := range claimants {
		if t == canonical {
			continue
		}
		t.mu.Lock()
		t.resumeSessionID = ""
		t.mu.Unlock()
		r.persistResumeClear(t)
		log.Printf("[registry] repair: cleared resume claim on duplicate terminal %s (canonical=%s session=%s)",
			t.id, canonical.id, resumeSessionID)
	}
	return canonical.id, true
}

// persistence write-through; all best-effort, the in-memory map is
// authoritative for live terminals.

func (r *Registry) persistCreate(t *terminal, cols, rows int) {
	if r.db == nil {
		return
	}
	rec := database.TerminalRecord{
		ID:              t.id,
		Mode:            t.mode,
		ResumeSessionID: t.resumeSessionID,
		Status:          StatusRunning,
		Shell:           t.shell,
		Cwd:             t.cwd,
		Cols:            cols,
		Rows:            rows,
		LastActivityAt:  t.createdAt,
	}
	if err := r.db.Create(&rec).Error; err != nil {
		log.Printf("[registry] persist create %s: %v", t.id, err)
	}
}

func (r *Registry) persistExit(t *terminal, exitCode int) {
	if r.db == nil {
		return
	}
	now := time.Now()
	err := r.db.Model(&database.TerminalRecord{}).Where("id = ?", t.id).Updates(map[string]interface{}{
		"status":           StatusExited,
		"exit_code":        exitCode,
		"exited_at":        &now,
		"last_activity_at": now,
	}).Error
	if err != nil {
		log.Printf("[registry] persist exit %s: %v", t.id, err)
	}
}

func (r *Registry) persistResize(t *terminal, cols, rows int) {
	if r.db == nil {
		return
	}
	err := r.db.Model(&database.TerminalRecord{}).Where("id = ?", t.id).Updates(map[string]interface{}{
		"cols": cols,
		"rows": rows,
	}).Error
	if err != nil {
		log.Printf("[registry] persist resize %s: %v", t.id, err)
	}
}

func (r *Registry) persistResumeClear(t *terminal) {
	if r.db == nil {
		return
	}
	err := r.db.Model(&database.TerminalRecord{}).Where("id = ?", t.id).
		Update("resume_session_id", "").Error
	if err != nil {
		log.Printf("[registry] persist resume clear %s: %v", t.id, err)
	}
}
