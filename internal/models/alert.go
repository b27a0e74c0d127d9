package models

import "time"

// AlertEvent tells operators that a transaction could not be delivered by
// any channel.
type AlertEvent struct {
	AlertID           string    `json:"alert_id"`
	Reference         string    `json:"reference"`
	Kind              string    `json:"kind"`
	HolderName        string    `json:"holder_name,omitempty"`
	Email             string    `json:"email,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	ErrorKind         string    `json:"error_kind"`
	Error             string    `json:"error"`
	ArtifactGenerated bool      `json:"artifact_generated"`
	Timestamp         time.Time `json:"timestamp"`
}
