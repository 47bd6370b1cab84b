// Package archive keeps a record of finished presentation sessions: the registry hands each closed session
// to a Recorder, which queues it; a Processor later stores the summary in Postgres and the lesson
// content in S3.
package archive

import (
	"time"

	"github.com/google/uuid"
)

// Record is one archived session run.
type Record struct {
	ID            uuid.UUID `json:"id"`
	SessionID     uuid.UUID `json:"sessionId"`
	Code          string    `json:"code"`
	CreatedAt     time.Time `json:"createdAt"`
	EndedAt       time.Time `json:"endedAt"`
	CurrentSlide  int       `json:"currentSlide"`
	TotalSlides   int       `json:"totalSlides"`
	PeakDevices   int       `json:"peakDevices"`
	CommandsTotal int       `json:"commandsTotal"`
	Reason        string    `json:"reason"`
	ContentKey    *string   `json:"-"`
	ContentBytes  int64     `json:"contentBytes"`
	ArchivedAt    time.Time `json:"archivedAt"`
}

// Entry is a record as served over HTTP, with a temporary content link when content was stored.
type Entry struct {
	Record
	ContentURL string `json:"contentUrl,omitempty"`
}
