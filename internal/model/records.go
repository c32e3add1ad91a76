package model

import (
	"time"

	"github.com/google/uuid"
)

// EmbeddingRecord is the persisted vector for one indexed entity. Exactly
// one record exists per (entity_path, entity_type) within a namespace; the
// TextBlob is the fingerprint the index compares before re-embedding.
type EmbeddingRecord struct {
	EntityPath string     `json:"entity_path"`
	EntityType EntityType `json:"entity_type"`
	Vector     []float32  `json:"vector"`
	TextBlob   string     `json:"text_blob"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// EmbeddingKey builds the composite store key for an embedding record.
func EmbeddingKey(entityType EntityType, path string) string {
	return string(entityType) + ":" + path
}

// ScanStatus is the lifecycle state of a security scan.
type ScanStatus string

const (
	ScanPending ScanStatus = "pending"
	ScanRunning ScanStatus = "running"
	ScanPassed  ScanStatus = "passed"
	ScanFailed  ScanStatus = "failed"
	ScanError   ScanStatus = "error"
)

// ScanFinding is one issue raised by the security scanner.
type ScanFinding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Tool     string `json:"tool,omitempty"`
}

// SecurityScanRecord is the result of an async scan initiated at
// registration. Records are retained after entity deletion for audit.
type SecurityScanRecord struct {
	ScanID     uuid.UUID     `json:"scan_id"`
	EntityPath string        `json:"entity_path"`
	EntityType EntityType    `json:"entity_type"`
	Status     ScanStatus    `json:"status"`
	Findings   []ScanFinding `json:"findings,omitempty"`
	ScannedAt  *time.Time    `json:"scanned_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ChangeOp is the mutation kind carried on a change event.
type ChangeOp string

const (
	OpCreated ChangeOp = "created"
	OpUpdated ChangeOp = "updated"
	OpDeleted ChangeOp = "deleted"
	OpToggled ChangeOp = "toggled"
)

// ChangeEvent is emitted on the store bus after every successful mutation
// of a registrable. Snapshot is nil for deletes.
type ChangeEvent struct {
	Namespace string      `json:"namespace"`
	Type      EntityType  `json:"type"`
	Path      string      `json:"path"`
	Op        ChangeOp    `json:"op"`
	Snapshot  Registrable `json:"snapshot,omitempty"`
	At        time.Time   `json:"at"`
	// Seq orders events within a single bus; per-subscriber delivery is FIFO.
	Seq uint64 `json:"seq"`
}

// HealthTransition is published by the supervisor whenever a probe target
// changes state.
type HealthTransition struct {
	Namespace string      `json:"namespace"`
	Type      EntityType  `json:"type"`
	Path      string      `json:"path"`
	From      HealthState `json:"from"`
	To        HealthState `json:"to"`
	At        time.Time   `json:"at"`
}
