package model

import "codejudge/internal/judge/sandbox/result"

// SubmitMessage is the Kafka payload for queued jobs. The source is either
// inline or referenced by SourceKey in object storage.
type SubmitMessage struct {
	JobID      string            `json:"job_id"`
	Kind       JobKind           `json:"kind"`
	Language   string            `json:"language"`
	Source     string            `json:"source,omitempty"`
	SourceKey  string            `json:"source_key,omitempty"`
	SourceHash string            `json:"source_hash,omitempty"`
	Stdin      string            `json:"stdin,omitempty"`
	TestCases  []result.TestCase `json:"test_cases,omitempty"`
	MaxScore   *int              `json:"max_score,omitempty"`
}

// JobEventType names the kind of job event.
type JobEventType string

const JobEventFinal JobEventType = "final"

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	Type      JobEventType `json:"type"`
	Record    JobRecord    `json:"record"`
	CreatedAt int64        `json:"createdAt"`
}
