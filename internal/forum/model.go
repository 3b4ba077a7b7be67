package forum

import (
	"errors"
	"fmt"
	"strings"
)

// ThreadStatus enumerates the lifecycle states of a thread.
type ThreadStatus string

const (
	// ThreadStatusOpen accepts replies from any authenticated user.
	ThreadStatusOpen ThreadStatus = "open"
	// ThreadStatusLocked accepts writes from moderators only.
	ThreadStatusLocked ThreadStatus = "locked"
	// ThreadStatusArchived is read-only for everyone but moderators.
	ThreadStatusArchived ThreadStatus = "archived"
)

const (
	maxTitleLength = 200
	maxBodyLength  = 64 * 1024
)

var (
	// ErrInvalidTitle indicates an empty or oversized title.
	ErrInvalidTitle = errors.New("forum: invalid title")
	// ErrInvalidBody indicates an empty or oversized body.
	ErrInvalidBody = errors.New("forum: invalid body")
	// ErrInvalidStatus indicates an unknown thread status value.
	ErrInvalidStatus = errors.New("forum: invalid thread status")
)

// ParseThreadStatus validates a raw status value.
func ParseThreadStatus(raw string) (ThreadStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ThreadStatusOpen):
		return ThreadStatusOpen, nil
	case string(ThreadStatusLocked):
		return ThreadStatusLocked, nil
	case string(ThreadStatusArchived):
		return ThreadStatusArchived, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// ValidateTitle checks title bounds and returns the trimmed value.
func ValidateTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(title) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return title, nil
}

// ValidateBody checks body bounds and returns the trimmed value.
func ValidateBody(raw string) (string, error) {
	body := strings.TrimSpace(raw)
	if body == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBody)
	}
	if len(body) > maxBodyLength {
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrInvalidBody, maxBodyLength)
	}
	return body, nil
}

// Category groups threads. Categories are soft-deleted: IsActive flips to
// false and the row stays while threads reference it.
type Category struct {
	ID               string `gorm:"column:category_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:200;not null"`
	Slug             string `gorm:"column:slug;size:190;not null;uniqueIndex:idx_categories_slug"`
	Description      string `gorm:"column:description;type:text;not null;default:''"`
	DisplayOrder     int    `gorm:"column:display_order;not null;default:0"`
	IsActive         bool   `gorm:"column:is_active;not null;default:true"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Category) TableName() string {
	return "categories"
}

// Thread is the unit of discussion. Score is a cache over the vote ledger,
// recomputed whenever the ledger changes for this thread, never hand-edited.
// Version guards the score critical section.
type Thread struct {
	ID                    string       `gorm:"column:thread_id;primaryKey;size:190;not null"`
	CategoryID            string       `gorm:"column:category_id;size:190;not null;uniqueIndex:idx_threads_category_slug,priority:1;index:idx_threads_activity,priority:1;index:idx_threads_score,priority:1"`
	AuthorID              string       `gorm:"column:author_id;size:190;not null"`
	Title                 string       `gorm:"column:title;size:200;not null"`
	Slug                  string       `gorm:"column:slug;size:190;not null;uniqueIndex:idx_threads_category_slug,priority:2"`
	Body                  string       `gorm:"column:body;type:text;not null"`
	Status                ThreadStatus `gorm:"column:status;size:16;not null;default:'open'"`
	CreatedAtSeconds      int64        `gorm:"column:created_at_s;not null"`
	LastActivityAtSeconds int64        `gorm:"column:last_activity_at_s;not null;index:idx_threads_activity,priority:2"`
	ReplyCount            int64        `gorm:"column:reply_count;not null;default:0"`
	Score                 int64        `gorm:"column:score;not null;default:0;index:idx_threads_score,priority:2"`
	Version               int64        `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Thread) TableName() string {
	return "threads"
}

// Reply belongs to a thread. ParentReplyID is a display hint resolved through
// the store index, never an in-memory back-pointer, so nesting cannot form
// ownership cycles.
type Reply struct {
	ID               string  `gorm:"column:reply_id;primaryKey;size:190;not null"`
	ThreadID         string  `gorm:"column:thread_id;size:190;not null;index:idx_replies_thread"`
	AuthorID         string  `gorm:"column:author_id;size:190;not null"`
	Body             string  `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	EditedAtSeconds  *int64  `gorm:"column:edited_at_s"`
	Score            int64   `gorm:"column:score;not null;default:0"`
	ParentReplyID    *string `gorm:"column:parent_reply_id;size:190;index:idx_replies_parent"`
	Version          int64   `gorm:"column:version;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Reply) TableName() string {
	return "replies"
}

// ReplyRevision snapshots the pre-edit body of a reply. Append-only audit;
// edits never overwrite history.
type ReplyRevision struct {
	RevisionID        string `gorm:"column:revision_id;primaryKey;size:190;not null"`
	ReplyID           string `gorm:"column:reply_id;size:190;not null;index:idx_revisions_reply"`
	EditorID          string `gorm:"column:editor_id;size:190;not null"`
	Body              string `gorm:"column:body;type:text;not null"`
	ReplacedAtSeconds int64  `gorm:"column:replaced_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReplyRevision) TableName() string {
	return "reply_revisions"
}
