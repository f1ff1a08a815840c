package models

import "time"

// Asset is the persisted record of one media attachment.
type Asset struct {
	AssetID         string     `dynamodbav:"asset_id" json:"asset_id"`
	LocalPath       string     `dynamodbav:"local_path" json:"local_path"`
	MimeType        string     `dynamodbav:"mime_type" json:"mime_type"`
	Size            int64      `dynamodbav:"file_size" json:"size"`
	RemoteKey       string     `dynamodbav:"remote_key,omitempty" json:"remote_key,omitempty"`
	RemoteURL       string     `dynamodbav:"remote_url,omitempty" json:"remote_url,omitempty"`
	Migrated        bool       `dynamodbav:"migrated" json:"migrated"`
	MigratedAt      *time.Time `dynamodbav:"migrated_at,omitempty" json:"migrated_at,omitempty"`
	OptimizedAt     *time.Time `dynamodbav:"optimized_at,omitempty" json:"optimized_at,omitempty"`
	BytesSaved      int64      `dynamodbav:"bytes_saved" json:"bytes_saved"`
	OptimizedFormat string     `dynamodbav:"optimized_format,omitempty" json:"optimized_format,omitempty"`
	CreatedAt       time.Time  `dynamodbav:"created_at" json:"created_at"`
}

// WorkItem is a snapshot of the facts eligibility decisions are made on.
// It is rebuilt from the asset record and the file system on every read.
type WorkItem struct {
	AssetID         string
	LocalPath       string
	RemoteKey       string
	Size            int64
	MimeType        string
	Exists          bool
	Readable        bool
	Remote          bool
	Migrated        bool
	LastOptimizedAt *time.Time
	Queued          bool
}

// Criteria narrows candidate enumeration. Empty fields mean no constraint.
type Criteria struct {
	MimeTypes    []string `json:"mime_types"`
	NotMigrated  bool     `json:"not_migrated"`
	NotOptimized bool     `json:"not_optimized"`
	Limit        int      `json:"limit"`
	AssetIDs     []string `json:"asset_ids"`
}
