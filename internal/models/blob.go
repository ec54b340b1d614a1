package models

import "time"

type Blob struct {
	ID                 string
	Kind               string
	UploadedBy         string
	StoragePath        string
	MimeType           string
	SizeBytes          int64
	OriginalName       string
	MessageID          *string
	PreviewStoragePath *string
	PreviewMimeType    *string
	PreviewSizeBytes   *int64
	PreviewWidth       *int64
	PreviewHeight      *int64
	ExpiresAt          *time.Time
	CreatedAt          time.Time
}

// ServerSettings is a singleton row; only mutable server metadata lives
// here, the immutable parts (name, base URL) come from config.
type ServerSettings struct {
	Description string
	IconBlobID  *string
	UpdatedAt   time.Time
}
