package forum

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/driveline/forum/backend/internal/auth"
	"github.com/driveline/forum/backend/internal/realtime"
	"github.com/driveline/forum/backend/internal/slug"
)

const defaultEditWindow = 15 * time.Minute

var (
	errMissingDatabase     = errors.New("forum: database handle is required")
	errMissingIDProvider   = errors.New("forum: id provider is required")
	errMissingSlugRegistry = errors.New("forum: slug registry is required")
	errCategoryInactive    = errors.New("forum: category is not active")
	errThreadNotWritable   = errors.New("forum: thread does not accept writes")
	errNotAuthor           = errors.New("forum: actor is not the author")
	errParentMismatch      = errors.New("forum: parent reply belongs to another thread")
	errAdminRequired       = errors.New("forum: admin role required")
	errModeratorRequired   = errors.New("forum: moderator role required")
	errEditWindowElapsed   = errors.New("forum: edit window elapsed")
)

const (
	opCreateCategory    = "forum.create_category"
	opSetCategoryActive = "forum.set_category_active"
	opListCategories    = "forum.list_categories"
	opCreateThread      = "forum.create_thread"
	opRenameThread      = "forum.rename_thread"
	opGetThread         = "forum.get_thread"
	opSetThreadStatus   = "forum.set_thread_status"
	opCreateReply       = "forum.create_reply"
	opEditReply         = "forum.edit_reply"
	opListRevisions     = "forum.list_reply_revisions"
)

// Publisher receives committed mutations for real-time fan-out. Publishing is
// fire-and-forget: a broadcaster outage must never fail a write.
type Publisher interface {
	Publish(channel, eventType string, payload interface{})
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, string, interface{}) {}

// VoteCounter reports how many ledger votes exist for a reply. The vote
// ledger owns vote records; the content store only asks for counts when
// deciding whether an expired edit window still permits an edit.
type VoteCounter interface {
	CountVotesForReply(ctx context.Context, replyID string) (int64, error)
}

// ServiceConfig bundles the dependencies of the forum service.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	SlugRegistry *slug.Registry
	Publisher    Publisher
	VoteCounter  VoteCounter
	EditWindow   time.Duration
	Logger       *zap.Logger
}

// Service is the write and read core behind the forum API: it owns the
// Category/Thread/Reply lifecycle and enforces authorization policy before
// any mutation.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	slugs      *slug.Registry
	publisher  Publisher
	votes      VoteCounter
	editWindow time.Duration
	logger     *zap.Logger
}

// NewService constructs the forum service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.SlugRegistry == nil {
		return nil, errMissingSlugRegistry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noopPublisher{}
	}
	editWindow := cfg.EditWindow
	if editWindow <= 0 {
		editWindow = defaultEditWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		slugs:      cfg.SlugRegistry,
		publisher:  publisher,
		votes:      cfg.VoteCounter,
		editWindow: editWindow,
		logger:     logger,
	}, nil
}

// ThreadEventPayload is the wire payload for thread-level events.
type ThreadEventPayload struct {
	ThreadID              string `json:"thread_id"`
	CategoryID            string `json:"category_id"`
	AuthorID              string `json:"author_id"`
	Title                 string `json:"title"`
	Slug                  string `json:"slug"`
	Status                string `json:"status"`
	Score                 int64  `json:"score"`
	ReplyCount            int64  `json:"reply_count"`
	LastActivityAtSeconds int64  `json:"last_activity_at_s"`
}

// ReplyEventPayload is the wire payload for reply-level events.
type ReplyEventPayload struct {
	ReplyID          string  `json:"reply_id"`
	ThreadID         string  `json:"thread_id"`
	CategoryID       string  `json:"category_id"`
	AuthorID         string  `json:"author_id"`
	ParentReplyID    *string `json:"parent_reply_id,omitempty"`
	CreatedAtSeconds int64   `json:"created_at_s"`
}

// CreateCategory creates a category. Admin only.
func (s *Service) CreateCategory(ctx context.Context, actor auth.Identity, name, description string, displayOrder int) (Category, error) {
	if !actor.IsAdmin() {
		return Category{}, newError(KindAuthorization, opCreateCategory, "admin_required", errAdminRequired)
	}
	validName, err := ValidateTitle(name)
	if err != nil {
		return Category{}, newError(KindValidation, opCreateCategory, "invalid_name", err)
	}

	categoryID, err := s.idProvider.NewID()
	if err != nil {
		return Category{}, newError(KindUnknown, opCreateCategory, "id_generation_failed", err)
	}

	category := Category{
		ID:               categoryID,
		Name:             validName,
		Description:      description,
		DisplayOrder:     displayOrder,
		IsActive:         true,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		slugValue, err := s.slugs.Reserve(tx, slug.NamespaceCategory, validName, categoryID)
		if err != nil {
			return classifySlugError(opCreateCategory, err)
		}
		category.Slug = slugValue
		if err := tx.Create(&category).Error; err != nil {
			return newError(KindUnknown, opCreateCategory, "category_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateCategory, txErr, zap.String("name", validName))
		return Category{}, txErr
	}
	return category, nil
}

// SetCategoryActive soft-deletes or restores a category. Admin only. The row
// is never removed while threads reference it; inactive categories stop
// accepting new threads.
func (s *Service) SetCategoryActive(ctx context.Context, actor auth.Identity, categoryID string, active bool) (Category, error) {
	if !actor.IsAdmin() {
		return Category{}, newError(KindAuthorization, opSetCategoryActive, "admin_required", errAdminRequired)
	}

	var category Category
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("category_id = ?", categoryID).
			Take(&category).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newError(KindNotFound, opSetCategoryActive, "category_not_found", err)
		}
		if err != nil {
			return newError(KindUnknown, opSetCategoryActive, "category_select_failed", err)
		}
		if category.IsActive == active {
			return nil
		}
		category.IsActive = active
		if err := tx.Model(&Category{}).Where("category_id = ?", categoryID).Update("is_active", active).Error; err != nil {
			return newError(KindUnknown, opSetCategoryActive, "category_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSetCategoryActive, txErr, zap.String("category_id", categoryID))
		return Category{}, txErr
	}
	return category, nil
}

// ListCategories returns active categories in display order.
func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	var categories []Category
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("display_order ASC, name ASC").
		Find(&categories).Error
	if err != nil {
		return nil, newError(KindUnknown, opListCategories, "query_failed", err)
	}
	return categories, nil
}

// CreateThread creates a thread in an active category, reserving its slug in
// the category's namespace atomically with the row insert. Publishes
// thread_created to the category channel after commit.
func (s *Service) CreateThread(ctx context.Context, actor auth.Identity, categoryID, title, body string) (Thread, error) {
	validTitle, err := ValidateTitle(title)
	if err != nil {
		return Thread{}, newError(KindValidation, opCreateThread, "invalid_title", err)
	}
	validBody, err := ValidateBody(body)
	if err != nil {
		return Thread{}, newError(KindValidation, opCreateThread, "invalid_body", err)
	}

	threadID, err := s.idProvider.NewID()
	if err != nil {
		return Thread{}, newError(KindUnknown, opCreateThread, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	thread := Thread{
		ID:                    threadID,
		CategoryID:            categoryID,
		AuthorID:              actor.UserID,
		Title:                 validTitle,
		Body:                  validBody,
		Status:                ThreadStatusOpen,
		CreatedAtSeconds:      now,
		LastActivityAtSeconds: now,
		Version:               1,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var category Category
		err := tx.Where("category_id = ?", categoryID).Take(&category).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newError(KindNotFound, opCreateThread, "category_not_found", err)
		}
		if err != nil {
			return newError(KindUnknown, opCreateThread, "category_select_failed", err)
		}
		if !category.IsActive {
			return newError(KindNotFound, opCreateThread, "category_inactive", errCategoryInactive)
		}

		slugValue, err := s.slugs.Reserve(tx, slug.ThreadNamespace(categoryID), validTitle, threadID)
		if err != nil {
			return classifySlugError(opCreateThread, err)
		}
		thread.Slug = slugValue
		if err := tx.Create(&thread).Error; err != nil {
			return newError(KindUnknown, opCreateThread, "thread_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateThread, txErr,
			zap.String("category_id", categoryID),
			zap.String("author_id", actor.UserID))
		return Thread{}, txErr
	}

	s.publisher.Publish(realtime.CategoryChannel(categoryID), realtime.EventThreadCreated, threadPayload(thread))
	return thread, nil
}

// RenameThread retitles a thread and moves it to a fresh slug; the old slug
// keeps resolving with a redirect hint. Author or moderator only.
func (s *Service) RenameThread(ctx context.Context, actor auth.Identity, threadID, newTitle string) (Thread, error) {
	validTitle, err := ValidateTitle(newTitle)
	if err != nil {
		return Thread{}, newError(KindValidation, opRenameThread, "invalid_title", err)
	}

	var thread Thread
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("thread_id = ?", threadID).
			Take(&thread).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newError(KindNotFound, opRenameThread, "thread_not_found", err)
		}
		if err != nil {
			return newError(KindUnknown, opRenameThread, "thread_select_failed", err)
		}
		if thread.AuthorID != actor.UserID && !actor.IsModerator() {
			return newError(KindAuthorization, opRenameThread, "not_author_or_moderator", errNotAuthor)
		}

		newSlug, err := s.slugs.Rename(tx, slug.ThreadNamespace(thread.CategoryID), threadID, validTitle)
		if err != nil {
			return classifySlugError(opRenameThread, err)
		}
		thread.Title = validTitle
		thread.Slug = newSlug
		updates := map[string]interface{}{"title": validTitle, "slug": newSlug}
		if err := tx.Model(&Thread{}).Where("thread_id = ?", threadID).Updates(updates).Error; err != nil {
			return newError(KindUnknown, opRenameThread, "thread_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opRenameThread, txErr, zap.String("thread_id", threadID))
		return Thread{}, txErr
	}
	return thread, nil
}

// GetThread loads a thread by ID.
func (s *Service) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var thread Thread
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Take(&thread).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Thread{}, newError(KindNotFound, opGetThread, "thread_not_found", err)
	}
	if err != nil {
		return Thread{}, newError(KindUnknown, opGetThread, "thread_select_failed", err)
	}
	return thread, nil
}

// GetThreadBySlug resolves a slug within a category namespace to its thread.
// The boolean reports whether the slug is current; false means the caller
// should redirect to the thread's canonical slug.
func (s *Service) GetThreadBySlug(ctx context.Context, categoryID, slugValue string) (Thread, bool, error) {
	resolution, err := s.slugs.Resolve(ctx, slug.ThreadNamespace(categoryID), slugValue)
	if errors.Is(err, slug.ErrSlugNotFound) {
		return Thread{}, false, newError(KindNotFound, opGetThread, "slug_not_found", err)
	}
	if err != nil {
		return Thread{}, false, newError(KindUnknown, opGetThread, "slug_resolve_failed", err)
	}
	thread, err := s.GetThread(ctx, resolution.EntityID)
	if err != nil {
		return Thread{}, false, err
	}
	return thread, resolution.IsCurrent, nil
}

// SetThreadStatus moves a thread between open, locked, and archived.
// Moderator only. Publishes the transition to the thread and category
// channels after commit.
func (s *Service) SetThreadStatus(ctx context.Context, actor auth.Identity, threadID string, status ThreadStatus) (Thread, error) {
	if !actor.IsModerator() {
		return Thread{}, newError(KindAuthorization, opSetThreadStatus, "moderator_required", errModeratorRequired)
	}
	if _, err := ParseThreadStatus(string(status)); err != nil {
		return Thread{}, newError(KindValidation, opSetThreadStatus, "invalid_status", err)
	}

	var thread Thread
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("thread_id = ?", threadID).
			Take(&thread).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newError(KindNotFound, opSetThreadStatus, "thread_not_found", err)
		}
		if err != nil {
			return newError(KindUnknown, opSetThreadStatus, "thread_select_failed", err)
		}
		if thread.Status == status {
			return nil
		}
		thread.Status = status
		if err := tx.Model(&Thread{}).Where("thread_id = ?", threadID).Update("status", status).Error; err != nil {
			return newError(KindUnknown, opSetThreadStatus, "thread_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSetThreadStatus, txErr, zap.String("thread_id", threadID))
		return Thread{}, txErr
	}

	payload := threadPayload(thread)
	s.publisher.Publish(realtime.ThreadChannel(thread.ID), realtime.EventThreadStatusChanged, payload)
	s.publisher.Publish(realtime.CategoryChannel(thread.CategoryID), realtime.EventThreadStatusChanged, payload)
	return thread, nil
}

// CreateReply appends a reply to a thread. Locked and archived threads accept
// replies from moderators only. Bumps the thread's activity timestamp and
// reply count in the same transaction, and publishes reply_created to both
// the thread and category channels after commit.
func (s *Service) CreateReply(ctx context.Context, actor auth.Identity, threadID, body string, parentReplyID *string) (Reply, error) {
	validBody, err := ValidateBody(body)
	if err != nil {
		return Reply{}, newError(KindValidation, opCreateReply, "invalid_body", err)
	}

	replyID, err := s.idProvider.NewID()
	if err != nil {
		return Reply{}, newError(KindUnknown, opCreateReply, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	reply := Reply{
		ID:               replyID,
		ThreadID:         threadID,
		AuthorID:         actor.UserID,
		Body:             validBody,
		CreatedAtSeconds: now,
		ParentReplyID:    parentReplyID,
		Version:          1,
	}

	var thread Thread
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("thread_id = ?", threadID).
			Take(&thread).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newError(KindNotFound, opCreateReply, "thread_not_found", err)
		}
		if err != nil {
			return newError(KindUnknown, opCreateReply, "thread_select_failed", err)
		}
		if thread.Status != ThreadStatusOpen && !actor.IsModerator() {
			return newError(KindAuthorization, opCreateReply, "thread_not_writable", errThreadNotWritable)
		}

		if parentReplyID != nil {
			var parent Reply
			err := tx.Where("reply_id = ?", *parentReplyID).Take(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newError(KindNotFound, opCreateReply, "parent_not_found", err)
			}
			if err != nil {
				return newError(KindUnknown, opCreateReply, "parent_select_failed", err)
			}
			if parent.ThreadID != threadID {
				return newError(KindValidation, opCreateReply, "parent_thread_mismatch", errParentMismatch)
			}
		}

		if err := tx.Create(&reply).Error; err != nil {
			return newError(KindUnknown, opCreateReply, "reply_insert_failed", err)
		}
		updates := map[string]interface{}{
			"reply_count":        gorm.Expr("reply_count + 1"),
			"last_activity_at_s": now,
		}
		if err := tx.Model(&Thread{}).Where("thread_id = ?", threadID).Updates(updates).Error; err != nil {
			return newError(KindUnknown, opCreateReply, "thread_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateReply, txErr,
			zap.String("thread_id", threadID),
			zap.String("author_id", actor.UserID))
		return Reply{}, txErr
	}

	payload := ReplyEventPayload{
		ReplyID:          reply.ID,
		ThreadID:         threadID,
		CategoryID:       thread.CategoryID,
		AuthorID:         reply.AuthorID,
		ParentReplyID:    reply.ParentReplyID,
		CreatedAtSeconds: reply.CreatedAtSeconds,
	}
	s.publisher.Publish(realtime.ThreadChannel(threadID), realtime.EventReplyCreated, payload)
	s.publisher.Publish(realtime.CategoryChannel(thread.CategoryID), realtime.EventReplyCreated, payload)
	return reply, nil
}

// EditReply replaces a reply's body, snapshotting the previous body as an
// immutable revision. Authors edit within the configured window unless the
// reply has no downstream replies or votes; moderators are unrestricted.
func (s *Service) EditReply(ctx context.Context, actor auth.Identity, replyID, newBody string) (Reply, error) {
	validBody, err := ValidateBody(newBody)
	if err != nil {
		return Reply{}, newError(KindValidation, opEditReply, "invalid_body", err)
	}

	now := s.clock().UTC()
	var reply Reply
	var thread Thread
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("reply_id = ?", replyID).
			Take(&reply).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newError(KindNotFound, opEditReply, "reply_not_found", err)
		}
		if err != nil {
			return newError(KindUnknown, opEditReply, "reply_select_failed", err)
		}
		if err := tx.Where("thread_id = ?", reply.ThreadID).Take(&thread).Error; err != nil {
			return newError(KindUnknown, opEditReply, "thread_select_failed", err)
		}

		isAuthor := reply.AuthorID == actor.UserID
		if !isAuthor && !actor.IsModerator() {
			return newError(KindAuthorization, opEditReply, "not_author_or_moderator", errNotAuthor)
		}
		if thread.Status != ThreadStatusOpen && !actor.IsModerator() {
			return newError(KindAuthorization, opEditReply, "thread_not_writable", errThreadNotWritable)
		}

		if isAuthor && !actor.IsModerator() {
			age := now.Sub(time.Unix(reply.CreatedAtSeconds, 0))
			if age > s.editWindow {
				untouched, err := s.replyHasNoDownstream(ctx, tx, reply.ID)
				if err != nil {
					return err
				}
				if !untouched {
					return newError(KindEditWindowExpired, opEditReply, "edit_window_expired", errEditWindowElapsed)
				}
			}
		}

		revisionID, err := s.idProvider.NewID()
		if err != nil {
			return newError(KindUnknown, opEditReply, "id_generation_failed", err)
		}
		revision := ReplyRevision{
			RevisionID:        revisionID,
			ReplyID:           reply.ID,
			EditorID:          actor.UserID,
			Body:              reply.Body,
			ReplacedAtSeconds: now.Unix(),
		}
		if err := tx.Create(&revision).Error; err != nil {
			return newError(KindUnknown, opEditReply, "revision_insert_failed", err)
		}

		editedAt := now.Unix()
		reply.Body = validBody
		reply.EditedAtSeconds = &editedAt
		updates := map[string]interface{}{"body": validBody, "edited_at_s": editedAt}
		if err := tx.Model(&Reply{}).Where("reply_id = ?", reply.ID).Updates(updates).Error; err != nil {
			return newError(KindUnknown, opEditReply, "reply_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opEditReply, txErr, zap.String("reply_id", replyID))
		return Reply{}, txErr
	}

	s.publisher.Publish(realtime.ThreadChannel(reply.ThreadID), realtime.EventReplyEdited, ReplyEventPayload{
		ReplyID:          reply.ID,
		ThreadID:         reply.ThreadID,
		CategoryID:       thread.CategoryID,
		AuthorID:         reply.AuthorID,
		ParentReplyID:    reply.ParentReplyID,
		CreatedAtSeconds: reply.CreatedAtSeconds,
	})
	return reply, nil
}

// ListReplyRevisions returns the audit trail for a reply, oldest first.
func (s *Service) ListReplyRevisions(ctx context.Context, replyID string) ([]ReplyRevision, error) {
	var revisions []ReplyRevision
	err := s.db.WithContext(ctx).
		Where("reply_id = ?", replyID).
		Order("replaced_at_s ASC, revision_id ASC").
		Find(&revisions).Error
	if err != nil {
		return nil, newError(KindUnknown, opListRevisions, "query_failed", err)
	}
	return revisions, nil
}

// replyHasNoDownstream reports whether a reply has neither child replies nor
// ledger votes, which keeps it editable past the window.
func (s *Service) replyHasNoDownstream(ctx context.Context, tx *gorm.DB, replyID string) (bool, error) {
	var childCount int64
	if err := tx.Model(&Reply{}).Where("parent_reply_id = ?", replyID).Count(&childCount).Error; err != nil {
		return false, newError(KindUnknown, opEditReply, "child_count_failed", err)
	}
	if childCount > 0 {
		return false, nil
	}
	if s.votes == nil {
		return true, nil
	}
	voteCount, err := s.votes.CountVotesForReply(ctx, replyID)
	if err != nil {
		return false, newError(KindUnknown, opEditReply, "vote_count_failed", err)
	}
	return voteCount == 0, nil
}

func threadPayload(thread Thread) ThreadEventPayload {
	return ThreadEventPayload{
		ThreadID:              thread.ID,
		CategoryID:            thread.CategoryID,
		AuthorID:              thread.AuthorID,
		Title:                 thread.Title,
		Slug:                  thread.Slug,
		Status:                string(thread.Status),
		Score:                 thread.Score,
		ReplyCount:            thread.ReplyCount,
		LastActivityAtSeconds: thread.LastActivityAtSeconds,
	}
}

func classifySlugError(operation string, err error) error {
	switch {
	case errors.Is(err, slug.ErrSlugExhausted):
		return newError(KindValidation, operation, "slug_exhausted", err)
	case errors.Is(err, slug.ErrUnusableSlugText):
		return newError(KindValidation, operation, "slug_unusable", err)
	default:
		return newError(KindUnknown, operation, "slug_reserve_failed", err)
	}
}

func (s *Service) logError(operation string, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("operation", operation), zap.Error(err))
	s.logger.Error("forum operation failed", fields...)
}
