// Package relay defines core types shared across subsystems.
package relay

import "time"

// RequestStatus represents the lifecycle state of a content request.
type RequestStatus string

// Request status values persisted in the request store. Terminal outcomes
// (success or exhausted retries) delete the record instead of storing a status.
const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
)

// MediaKind classifies fetched content for delivery and metrics.
type MediaKind string

// Media kinds produced by the content fetcher.
const (
	KindVideo MediaKind = "video"
	KindImage MediaKind = "image"
	KindAlbum MediaKind = "album"
)

// Requester identifies who submitted a request.
type Requester struct {
	UserName  string `json:"user_name"`
	FirstName string `json:"first_name"`
}

// Request is the persisted unit of work: one user-submitted source URL.
type Request struct {
	ID          string        `json:"id"`
	ChatID      int64         `json:"chat_id"`
	SourceURL   string        `json:"source_url"`
	ShortCode   string        `json:"short_code"`
	RequestedBy Requester     `json:"requested_by"`
	MessageID   int           `json:"message_id"`
	Status      RequestStatus `json:"status"`
	RetryCount  int           `json:"retry_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Job is the ephemeral queue payload derived from a Request at enqueue time.
// It copies the fields a worker needs and never shares state with the record.
type Job struct {
	RequestID   string    `json:"request_id"`
	SourceURL   string    `json:"source_url"`
	ShortCode   string    `json:"short_code"`
	ChatID      int64     `json:"chat_id"`
	MessageID   int       `json:"message_id"`
	RequestedBy Requester `json:"requested_by"`
	RetryCount  int       `json:"retry_count"`
}

// NewJob derives a Job from a Request.
func NewJob(r Request) Job {
	return Job{
		RequestID:   r.ID,
		SourceURL:   r.SourceURL,
		ShortCode:   r.ShortCode,
		ChatID:      r.ChatID,
		MessageID:   r.MessageID,
		RequestedBy: r.RequestedBy,
		RetryCount:  r.RetryCount,
	}
}

// MediaItem is a single deliverable asset within a fetch result.
type MediaItem struct {
	Kind MediaKind `json:"kind"`
	URL  string    `json:"url"`
}

// FetchResult is returned by a Fetcher on success.
type FetchResult struct {
	MediaKind MediaKind   `json:"media_kind"`
	Caption   string      `json:"caption"`
	Items     []MediaItem `json:"items"`
}

// Delivery carries a fetch result merged with the originating job context.
type Delivery struct {
	ChatID      int64
	MessageID   int
	RequestedBy Requester
	SourceURL   string
	Result      FetchResult
}
