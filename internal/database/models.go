package database

import "time"

// TerminalRecord is the persisted view of a terminal. The registry is
// the sole writer; records outlive the process so resumed coding-CLI
// sessions can find their canonical owner after a restart.
type TerminalRecord struct {
	ID              string     `gorm:"primaryKey;size:64" json:"id"`
	Mode            string     `gorm:"not null;index:idx_mode_resume" json:"mode"`
	ResumeSessionID string     `gorm:"index:idx_mode_resume" json:"resume_session_id"`
	Status          string     `gorm:"not null;default:running" json:"status"`
	ExitCode        int        `gorm:"default:0" json:"exit_code"`
	Shell           string     `json:"shell"`
	Cwd             string     `json:"cwd"`
	Cols            int        `gorm:"default:80" json:"cols"`
	Rows            int        `gorm:"default:24" json:"rows"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	ExitedAt        *time.Time `json:"exited_at"`
}
