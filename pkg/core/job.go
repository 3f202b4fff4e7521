// Package core provides the domain models and interfaces for the queues package.
package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending  JobStatus = "pending"
	StatusProgress JobStatus = "progress"
	StatusComplete JobStatus = "complete"
	StatusFailed   JobStatus = "failed"
)

// Terminal reports whether the status is never left again.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// DefaultQueue is the queue Bootstrap guarantees to exist.
const DefaultQueue = "default"

// Queue is a named lane with a maximum number of concurrently running jobs.
type Queue struct {
	Name       string `gorm:"primaryKey;size:255"`
	MaxWorkers int    `gorm:"not null"`
	RunAsUser  string `gorm:"size:255"` // empty means no impersonation
}

// Job is a unit of work targeting one queue.
type Job struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Queue      string    `gorm:"index:idx_jobs_dispatch,priority:1;size:255;not null"`
	Status     JobStatus `gorm:"index:idx_jobs_dispatch,priority:2;size:20;default:'pending'"`
	DelayUntil int64     `gorm:"index:idx_jobs_dispatch,priority:3;not null;default:0"` // unix milliseconds
	Command    []byte
	Runs       int       `gorm:"default:0"`
	LastError  string    `gorm:"type:text"`
	Created    int64     `gorm:"autoCreateTime:milli"`
	Modified   int64     `gorm:"autoUpdateTime:milli"`
}

// EligibleAt returns the earliest time the job may be claimed.
func (j *Job) EligibleAt() time.Time {
	return time.UnixMilli(j.DelayUntil)
}

// EligibleBy reports whether the job may be claimed at now.
func (j *Job) EligibleBy(now time.Time) bool {
	return j.DelayUntil <= now.UnixMilli()
}

// Dispatch is the record handed to an Executor for every claimed job.
// It names the job instead of carrying executable state.
type Dispatch struct {
	JobID     string `json:"jobId"`
	Database  string `json:"database"`
	Queue     string `json:"queue"`
	Command   []byte `json:"command,omitempty"`
	RunAsUser string `json:"runAsUser,omitempty"`
	IsSystem  bool   `json:"isSystem"`
}

// TableName pins the Queues record set name.
func (Queue) TableName() string { return "queues" }

// TableName pins the Jobs record set name.
func (Job) TableName() string { return "jobs" }
