package cron

import (
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/companion/internal/config"
)

// Schedule kinds.
const (
	KindCron  = "cron"  // Expr is a six-field cron expression (with seconds)
	KindEvery = "every" // EveryMs is a fixed interval
	KindAt    = "at"    // AtMs is a one-shot unix millisecond deadline
)

// JobKind says what a job does when it fires.
type JobKind string

const (
	JobSweep  JobKind = "sweep"
	JobEvict  JobKind = "evict"
	JobLaunch JobKind = "launch"
)

type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload carries the job's arguments. Scenario, Mode and Recipients are only
// meaningful for launch jobs.
type Payload struct {
	Kind       JobKind                  `json:"kind"`
	Scenario   string                   `json:"scenario,omitempty"`
	Mode       string                   `json:"mode,omitempty"`
	Recipients []config.LaunchRecipient `json:"recipients,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
