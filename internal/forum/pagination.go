package forum

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	opListThreads = "forum.list_threads"
	opListReplies = "forum.list_replies"
)

// ThreadSort selects the listing order for threads.
type ThreadSort string

const (
	// SortLastActivity orders by most recent reply activity.
	SortLastActivity ThreadSort = "last_activity"
	// SortScore orders by cached vote score.
	SortScore ThreadSort = "score"
)

// ErrInvalidCursor indicates a malformed or mismatched pagination cursor.
var ErrInvalidCursor = errors.New("forum: invalid cursor")

// ParseThreadSort validates a raw sort value, defaulting to last activity.
func ParseThreadSort(raw string) (ThreadSort, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(SortLastActivity):
		return SortLastActivity, nil
	case string(SortScore):
		return SortScore, nil
	default:
		return "", fmt.Errorf("%w: unknown sort %q", ErrInvalidCursor, raw)
	}
}

// threadCursor encodes the last seen (sort key, id) pair rather than an
// offset, so concurrent inserts neither duplicate nor skip rows mid-traversal.
type threadCursor struct {
	Key  int64      `json:"k"`
	ID   string     `json:"id"`
	Sort ThreadSort `json:"s"`
}

func encodeThreadCursor(cursor threadCursor) string {
	raw, _ := json.Marshal(cursor)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeThreadCursor(encoded string, sort ThreadSort) (threadCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return threadCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var cursor threadCursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return threadCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if cursor.Sort != sort {
		return threadCursor{}, fmt.Errorf("%w: cursor sort %q does not match request sort %q", ErrInvalidCursor, cursor.Sort, sort)
	}
	if cursor.ID == "" {
		return threadCursor{}, fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	return cursor, nil
}

// ThreadPage is one page of a thread listing.
type ThreadPage struct {
	Items      []Thread
	NextCursor string
}

// ListThreads returns threads of a category ordered by the requested sort,
// newest first, using keyset pagination.
func (s *Service) ListThreads(ctx context.Context, categoryID string, sort ThreadSort, cursor string, limit int) (ThreadPage, error) {
	if _, err := ParseThreadSort(string(sort)); err != nil {
		return ThreadPage{}, newError(KindValidation, opListThreads, "invalid_sort", err)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	sortColumn := "last_activity_at_s"
	if sort == SortScore {
		sortColumn = "score"
	}

	query := s.db.WithContext(ctx).
		Where("category_id = ?", categoryID).
		Order(fmt.Sprintf("%s DESC, thread_id DESC", sortColumn)).
		Limit(limit + 1)

	if cursor != "" {
		decoded, err := decodeThreadCursor(cursor, sort)
		if err != nil {
			return ThreadPage{}, newError(KindValidation, opListThreads, "invalid_cursor", err)
		}
		condition := fmt.Sprintf("%s < ? OR (%s = ? AND thread_id < ?)", sortColumn, sortColumn)
		query = query.Where(condition, decoded.Key, decoded.Key, decoded.ID)
	}

	var threads []Thread
	if err := query.Find(&threads).Error; err != nil {
		return ThreadPage{}, newError(KindUnknown, opListThreads, "query_failed", err)
	}

	page := ThreadPage{}
	if len(threads) > limit {
		threads = threads[:limit]
		last := threads[len(threads)-1]
		key := last.LastActivityAtSeconds
		if sort == SortScore {
			key = last.Score
		}
		page.NextCursor = encodeThreadCursor(threadCursor{Key: key, ID: last.ID, Sort: sort})
	}
	page.Items = threads
	return page, nil
}

// replyCursor pages replies in creation order, oldest first.
type replyCursor struct {
	Key int64  `json:"k"`
	ID  string `json:"id"`
}

func encodeReplyCursor(cursor replyCursor) string {
	raw, _ := json.Marshal(cursor)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeReplyCursor(encoded string) (replyCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return replyCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var cursor replyCursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return replyCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if cursor.ID == "" {
		return replyCursor{}, fmt.Errorf("%w: missing id", ErrInvalidCursor)
	}
	return cursor, nil
}

// ReplyPage is one page of a reply listing.
type ReplyPage struct {
	Items      []Reply
	NextCursor string
}

// ListReplies returns a thread's replies oldest first with keyset pagination.
func (s *Service) ListReplies(ctx context.Context, threadID string, cursor string, limit int) (ReplyPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	query := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at_s ASC, reply_id ASC").
		Limit(limit + 1)

	if cursor != "" {
		decoded, err := decodeReplyCursor(cursor)
		if err != nil {
			return ReplyPage{}, newError(KindValidation, opListReplies, "invalid_cursor", err)
		}
		query = query.Where("created_at_s > ? OR (created_at_s = ? AND reply_id > ?)", decoded.Key, decoded.Key, decoded.ID)
	}

	var replies []Reply
	if err := query.Find(&replies).Error; err != nil {
		return ReplyPage{}, newError(KindUnknown, opListReplies, "query_failed", err)
	}

	page := ReplyPage{}
	if len(replies) > limit {
		replies = replies[:limit]
		last := replies[len(replies)-1]
		page.NextCursor = encodeReplyCursor(replyCursor{Key: last.CreatedAtSeconds, ID: last.ID})
	}
	page.Items = replies
	return page, nil
}
