package main

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/freshell/freshell/internal/broker"
	"github.com/freshell/freshell/internal/database"
	"github.com/freshell/freshell/internal/registry"
)

// cleaner removes terminals that exited more than ttl ago: registry
// entry, broker stream and replay ring, then the persisted rows.
// Running terminals are never touched.
type cleaner struct {
	registry *registry.Registry
	broker   *broker.Broker
	db       *gorm.DB
	ttl      time.Duration
}

func (c *cleaner) run() {
	cutoff := time.Now().Add(-c.ttl)
	removed := 0
	for _, info := range c.registry.List() {
		if info.Status != registry.StatusExited {
			continue
		}
		if info.LastActivityAt.After(cutoff) {
			continue
		}
		c.registry.Remove(info.ID)
		c.broker.Remove(info.ID)
		removed++
	}

	if c.db != nil {
		if n, err := database.PruneExited(c.db, c.ttl); err != nil {
			log.Printf("[cleanup] prune exited rows: %v", err)
		} else if n > 0 {
			log.Printf("[cleanup] pruned %d exited rows", n)
		}
	}

	if removed > 0 {
		log.Printf("[cleanup] removed %d exited terminals", removed)
	}
}

// startCleanupJob schedules the cleaner at the configured interval.
func startCleanupJob(c *cleaner, interval time.Duration) (*cron.Cron, error) {
	if interval < time.Minute {
		interval = time.Minute
	}
	sched := cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := sched.AddFunc(spec, c.run); err != nil {
		return nil, fmt.Errorf("schedule cleanup job: %w", err)
	}
	sched.Start()
	return sched, nil
}
