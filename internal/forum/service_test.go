package forum

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	githubsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/driveline/forum/backend/internal/auth"
	"github.com/driveline/forum/backend/internal/slug"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []struct {
		channel   string
		eventType string
	}
}

func (p *stubPublisher) Publish(channel, eventType string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, struct {
		channel   string
		eventType string
	}{channel: channel, eventType: eventType})
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type stubVoteCounter struct {
	count int64
}

func (c *stubVoteCounter) CountVotesForReply(context.Context, string) (int64, error) {
	return c.count, nil
}

type serviceFixture struct {
	service   *Service
	db        *gorm.DB
	publisher *stubPublisher
	votes     *stubVoteCounter
	now       time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:forum_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&Category{}, &Thread{}, &Reply{}, &ReplyRevision{}, &slug.Mapping{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	registry, err := slug.NewRegistry(slug.RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}

	fixture := &serviceFixture{
		db:        db,
		publisher: &stubPublisher{},
		votes:     &stubVoteCounter{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	service, err := NewService(ServiceConfig{
		Database:     db,
		Clock:        func() time.Time { return fixture.now },
		IDProvider:   NewUUIDProvider(),
		SlugRegistry: registry,
		Publisher:    fixture.publisher,
		VoteCounter:  fixture.votes,
		EditWindow:   15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	fixture.service = service
	return fixture
}

func (f *serviceFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *serviceFixture) mustCreateCategory(t *testing.T, name string) Category {
	t.Helper()
	category, err := f.service.CreateCategory(context.Background(), adminIdentity(), name, "", 0)
	if err != nil {
		t.Fatalf("failed to create category %q: %v", name, err)
	}
	return category
}

func (f *serviceFixture) mustCreateThread(t *testing.T, actor auth.Identity, categoryID, title string) Thread {
	t.Helper()
	thread, err := f.service.CreateThread(context.Background(), actor, categoryID, title, "body text")
	if err != nil {
		t.Fatalf("failed to create thread %q: %v", title, err)
	}
	return thread
}

func (f *serviceFixture) mustCreateReply(t *testing.T, actor auth.Identity, threadID, body string, parentID *string) Reply {
	t.Helper()
	reply, err := f.service.CreateReply(context.Background(), actor, threadID, body, parentID)
	if err != nil {
		t.Fatalf("failed to create reply: %v", err)
	}
	return reply
}

func adminIdentity() auth.Identity {
	return auth.Identity{UserID: "admin-1", Role: auth.RoleAdmin}
}

func moderatorIdentity() auth.Identity {
	return auth.Identity{UserID: "mod-1", Role: auth.RoleModerator}
}

func userIdentity(userID string) auth.Identity {
	return auth.Identity{UserID: userID, Role: auth.RoleUser}
}

func TestCreateCategoryRequiresAdmin(t *testing.T) {
	fixture := newServiceFixture(t)

	_, err := fixture.service.CreateCategory(context.Background(), userIdentity("user-1"), "EV Reviews", "", 0)
	if KindOf(err) != KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}

	category := fixture.mustCreateCategory(t, "EV Reviews")
	if category.Slug != "ev-reviews" {
		t.Fatalf("unexpected category slug %q", category.Slug)
	}
	if !category.IsActive {
		t.Fatal("expected new category to be active")
	}
}

func TestListCategoriesSkipsInactive(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()

	kept := fixture.mustCreateCategory(t, "Sedans")
	hidden := fixture.mustCreateCategory(t, "Coupes")
	if _, err := fixture.service.SetCategoryActive(ctx, adminIdentity(), hidden.ID, false); err != nil {
		t.Fatalf("failed to deactivate category: %v", err)
	}

	categories, err := fixture.service.ListCategories(ctx)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(categories) != 1 || categories[0].ID != kept.ID {
		t.Fatalf("expected only the active category, got %+v", categories)
	}
}

func TestSetCategoryActiveRejectsNonAdmin(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "Trucks")

	_, err := fixture.service.SetCategoryActive(context.Background(), moderatorIdentity(), category.ID, false)
	if KindOf(err) != KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestCreateThreadReservesSlugPerCategory(t *testing.T) {
	fixture := newServiceFixture(t)
	first := fixture.mustCreateCategory(t, "Charging")
	second := fixture.mustCreateCategory(t, "Range")
	author := userIdentity("user-1")

	threadA := fixture.mustCreateThread(t, author, first.ID, "Winter range drop")
	if threadA.Slug != "winter-range-drop" {
		t.Fatalf("unexpected slug %q", threadA.Slug)
	}

	threadB := fixture.mustCreateThread(t, author, first.ID, "Winter range drop")
	if threadB.Slug != "winter-range-drop-2" {
		t.Fatalf("expected suffixed slug within category, got %q", threadB.Slug)
	}

	// The same title is free in another category's namespace.
	threadC := fixture.mustCreateThread(t, author, second.ID, "Winter range drop")
	if threadC.Slug != "winter-range-drop" {
		t.Fatalf("expected unsuffixed slug across categories, got %q", threadC.Slug)
	}
}

func TestCreateThreadRejectsInactiveCategory(t *testing.T) {
	fixture := newServiceFixture(t)
	ctx := context.Background()
	category := fixture.mustCreateCategory(t, "Hybrids")
	if _, err := fixture.service.SetCategoryActive(ctx, adminIdentity(), category.ID, false); err != nil {
		t.Fatalf("failed to deactivate category: %v", err)
	}

	_, err := fixture.service.CreateThread(ctx, userIdentity("user-1"), category.ID, "New thread", "body")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not-found error for inactive category, got %v", err)
	}

	_, err = fixture.service.CreateThread(ctx, userIdentity("user-1"), "missing-category", "New thread", "body")
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not-found error for missing category, got %v", err)
	}
}

func TestCreateThreadValidation(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "Towing")
	ctx := context.Background()

	if _, err := fixture.service.CreateThread(ctx, userIdentity("user-1"), category.ID, "   ", "body"); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for blank title, got %v", err)
	}
	if _, err := fixture.service.CreateThread(ctx, userIdentity("user-1"), category.ID, "???", "body"); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for unusable slug text, got %v", err)
	}
}

func TestRenameThreadKeepsOldSlugResolvable(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "Reviews")
	author := userIdentity("user-1")
	thread := fixture.mustCreateThread(t, author, category.ID, "My EV review")

	renamed, err := fixture.service.RenameThread(context.Background(), author, thread.ID, "My updated EV review")
	if err != nil {
		t.Fatalf("unexpected rename error: %v", err)
	}
	if renamed.Slug != "my-updated-ev-review" {
		t.Fatalf("unexpected new slug %q", renamed.Slug)
	}

	byOld, current, err := fixture.service.GetThreadBySlug(context.Background(), category.ID, "my-ev-review")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if byOld.ID != thread.ID {
		t.Fatalf("old slug resolved to wrong thread %q", byOld.ID)
	}
	if current {
		t.Fatal("expected old slug to be flagged as superseded")
	}

	byNew, current, err := fixture.service.GetThreadBySlug(context.Background(), category.ID, "my-updated-ev-review")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if byNew.ID != thread.ID || !current {
		t.Fatalf("expected new slug to be current, got thread %q current=%v", byNew.ID, current)
	}
}

func TestRenameThreadRequiresAuthorOrModerator(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "Reviews")
	thread := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Original title")

	_, err := fixture.service.RenameThread(context.Background(), userIdentity("user-2"), thread.ID, "Hijacked title")
	if KindOf(err) != KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}

	if _, err := fixture.service.RenameThread(context.Background(), moderatorIdentity(), thread.ID, "Moderated title"); err != nil {
		t.Fatalf("expected moderator rename to succeed, got %v", err)
	}
}

func TestSetThreadStatusRequiresModerator(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "General")
	thread := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Status test")
	ctx := context.Background()

	_, err := fixture.service.SetThreadStatus(ctx, userIdentity("user-1"), thread.ID, ThreadStatusLocked)
	if KindOf(err) != KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}

	locked, err := fixture.service.SetThreadStatus(ctx, moderatorIdentity(), thread.ID, ThreadStatusLocked)
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	if locked.Status != ThreadStatusLocked {
		t.Fatalf("expected locked status, got %q", locked.Status)
	}

	_, err = fixture.service.SetThreadStatus(ctx, moderatorIdentity(), thread.ID, ThreadStatus("frozen"))
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}

func TestCreateReplyBumpsThreadActivity(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "General")
	thread := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Activity test")
	createdAt := thread.LastActivityAtSeconds

	fixture.advance(2 * time.Minute)
	reply := fixture.mustCreateReply(t, userIdentity("user-2"), thread.ID, "First reply", nil)

	stored, err := fixture.service.GetThread(context.Background(), thread.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.ReplyCount != 1 {
		t.Fatalf("expected reply count 1, got %d", stored.ReplyCount)
	}
	if stored.LastActivityAtSeconds <= createdAt {
		t.Fatalf("expected activity timestamp to advance past %d, got %d", createdAt, stored.LastActivityAtSeconds)
	}
	if reply.ThreadID != thread.ID {
		t.Fatalf("unexpected reply thread %q", reply.ThreadID)
	}
}

func TestCreateReplyParentChecks(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "General")
	threadA := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Thread A")
	threadB := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Thread B")
	parent := fixture.mustCreateReply(t, userIdentity("user-2"), threadA.ID, "Parent", nil)
	ctx := context.Background()

	missing := "missing-reply"
	if _, err := fixture.service.CreateReply(ctx, userIdentity("user-3"), threadA.ID, "child", &missing); KindOf(err) != KindNotFound {
		t.Fatalf("expected not-found error for missing parent, got %v", err)
	}
	if _, err := fixture.service.CreateReply(ctx, userIdentity("user-3"), threadB.ID, "child", &parent.ID); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for cross-thread parent, got %v", err)
	}

	child := fixture.mustCreateReply(t, userIdentity("user-3"), threadA.ID, "child", &parent.ID)
	if child.ParentReplyID == nil || *child.ParentReplyID != parent.ID {
		t.Fatalf("expected parent id %q, got %+v", parent.ID, child.ParentReplyID)
	}
}

func TestLockedThreadAcceptsModeratorWritesOnly(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "General")
	thread := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Locked thread")
	ctx := context.Background()
	if _, err := fixture.service.SetThreadStatus(ctx, moderatorIdentity(), thread.ID, ThreadStatusLocked); err != nil {
		t.Fatalf("failed to lock thread: %v", err)
	}

	_, err := fixture.service.CreateReply(ctx, userIdentity("user-2"), thread.ID, "blocked", nil)
	if KindOf(err) != KindAuthorization {
		t.Fatalf("expected authorization error on locked thread, got %v", err)
	}

	if _, err := fixture.service.CreateReply(ctx, moderatorIdentity(), thread.ID, "moderator note", nil); err != nil {
		t.Fatalf("expected moderator reply to succeed, got %v", err)
	}
}

func TestEditReplyRecordsRevision(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "General")
	thread := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Edit test")
	author := userIdentity("user-2")
	reply := fixture.mustCreateReply(t, author, thread.ID, "original body", nil)
	ctx := context.Background()

	fixture.advance(5 * time.Minute)
	edited, err := fixture.service.EditReply(ctx, author, reply.ID, "corrected body")
	if err != nil {
		t.Fatalf("unexpected edit error: %v", err)
	}
	if edited.Body != "corrected body" {
		t.Fatalf("unexpected body %q", edited.Body)
	}
	if edited.EditedAtSeconds == nil {
		t.Fatal("expected edited timestamp to be set")
	}

	fixture.advance(time.Minute)
	if _, err := fixture.service.EditReply(ctx, author, reply.ID, "final body"); err != nil {
		t.Fatalf("unexpected second edit error: %v", err)
	}

	revisions, err := fixture.service.ListReplyRevisions(ctx, reply.ID)
	if err != nil {
		t.Fatalf("unexpected revisions error: %v", err)
	}
	if len(revisions) != 2 {
		t.Fatalf("expected two revisions, got %d", len(revisions))
	}
	if revisions[0].Body != "original body" || revisions[1].Body != "corrected body" {
		t.Fatalf("expected pre-edit bodies in order, got %q, %q", revisions[0].Body, revisions[1].Body)
	}
	if revisions[0].EditorID != author.UserID {
		t.Fatalf("unexpected editor %q", revisions[0].EditorID)
	}
}

func TestEditReplyWindowPolicy(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "General")
	thread := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Window test")
	author := userIdentity("user-2")
	reply := fixture.mustCreateReply(t, author, thread.ID, "original", nil)
	ctx := context.Background()

	// Past the window a reply with no children and no votes stays editable.
	fixture.advance(16 * time.Minute)
	if _, err := fixture.service.EditReply(ctx, author, reply.ID, "late but untouched"); err != nil {
		t.Fatalf("expected edit of untouched reply to succeed, got %v", err)
	}

	// A recorded vote closes the expired window for the author.
	fixture.votes.count = 1
	_, err := fixture.service.EditReply(ctx, author, reply.ID, "too late now")
	if KindOf(err) != KindEditWindowExpired {
		t.Fatalf("expected edit-window error, got %v", err)
	}

	// Moderators edit regardless of age and downstream state.
	if _, err := fixture.service.EditReply(ctx, moderatorIdentity(), reply.ID, "moderated body"); err != nil {
		t.Fatalf("expected moderator edit to succeed, got %v", err)
	}

	_, err = fixture.service.EditReply(ctx, userIdentity("user-3"), reply.ID, "not mine")
	if KindOf(err) != KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestEditReplyExpiredWindowWithChildReply(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "General")
	thread := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Child test")
	author := userIdentity("user-2")
	reply := fixture.mustCreateReply(t, author, thread.ID, "parent body", nil)
	fixture.mustCreateReply(t, userIdentity("user-3"), thread.ID, "child body", &reply.ID)

	fixture.advance(16 * time.Minute)
	_, err := fixture.service.EditReply(context.Background(), author, reply.ID, "rewrite attempt")
	if KindOf(err) != KindEditWindowExpired {
		t.Fatalf("expected edit-window error with child reply, got %v", err)
	}
}

func TestThreadEventsPublished(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "General")

	before := fixture.publisher.count()
	thread := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Event test")
	if fixture.publisher.count() != before+1 {
		t.Fatalf("expected one thread_created event, got %d new", fixture.publisher.count()-before)
	}

	before = fixture.publisher.count()
	fixture.mustCreateReply(t, userIdentity("user-2"), thread.ID, "a reply", nil)
	// Reply creation fans out to the thread channel and the category channel.
	if fixture.publisher.count() != before+2 {
		t.Fatalf("expected two reply_created events, got %d new", fixture.publisher.count()-before)
	}
}
