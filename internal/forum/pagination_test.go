package forum

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/driveline/forum/backend/internal/auth"
)

func seedThreads(t *testing.T, fixture *serviceFixture, categoryID string, count int) []Thread {
	t.Helper()
	author := userIdentity("user-1")
	threads := make([]Thread, 0, count)
	for i := 0; i < count; i++ {
		fixture.advance(time.Minute)
		threads = append(threads, fixture.mustCreateThread(t, author, categoryID, fmt.Sprintf("Thread number %d", i)))
	}
	return threads
}

func TestListThreadsPagesByActivity(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "Paging")
	threads := seedThreads(t, fixture, category.ID, 5)
	ctx := context.Background()

	first, err := fixture.service.ListThreads(ctx, category.ID, SortLastActivity, "", 2)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(first.Items) != 2 {
		t.Fatalf("expected two items, got %d", len(first.Items))
	}
	if first.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}
	// Newest activity first.
	if first.Items[0].ID != threads[4].ID || first.Items[1].ID != threads[3].ID {
		t.Fatalf("unexpected first page order: %q, %q", first.Items[0].Title, first.Items[1].Title)
	}

	second, err := fixture.service.ListThreads(ctx, category.ID, SortLastActivity, first.NextCursor, 2)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(second.Items) != 2 || second.Items[0].ID != threads[2].ID || second.Items[1].ID != threads[1].ID {
		t.Fatalf("unexpected second page")
	}

	third, err := fixture.service.ListThreads(ctx, category.ID, SortLastActivity, second.NextCursor, 2)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(third.Items) != 1 || third.Items[0].ID != threads[0].ID {
		t.Fatalf("unexpected final page")
	}
	if third.NextCursor != "" {
		t.Fatal("expected no cursor on the final page")
	}
}

func TestListThreadsStableUnderConcurrentInsert(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "Paging")
	threads := seedThreads(t, fixture, category.ID, 4)
	ctx := context.Background()

	first, err := fixture.service.ListThreads(ctx, category.ID, SortLastActivity, "", 2)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}

	// A thread created mid-traversal lands before the cursor position and
	// must not shift or duplicate the remaining pages.
	fixture.advance(time.Minute)
	fixture.mustCreateThread(t, userIdentity("user-9"), category.ID, "Interloper")

	second, err := fixture.service.ListThreads(ctx, category.ID, SortLastActivity, first.NextCursor, 10)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(second.Items) != 2 {
		t.Fatalf("expected two remaining items, got %d", len(second.Items))
	}
	if second.Items[0].ID != threads[1].ID || second.Items[1].ID != threads[0].ID {
		t.Fatal("expected traversal to continue past the cursor unaffected")
	}
	seen := map[string]bool{first.Items[0].ID: true, first.Items[1].ID: true}
	for _, item := range second.Items {
		if seen[item.ID] {
			t.Fatalf("thread %q returned twice", item.ID)
		}
	}
}

func TestListThreadsByScore(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "Paging")
	threads := seedThreads(t, fixture, category.ID, 3)
	ctx := context.Background()

	scores := []int64{5, 1, 3}
	for i, score := range scores {
		if err := fixture.db.Model(&Thread{}).Where("thread_id = ?", threads[i].ID).Update("score", score).Error; err != nil {
			t.Fatalf("failed to set score: %v", err)
		}
	}

	page, err := fixture.service.ListThreads(ctx, category.ID, SortScore, "", 10)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected three items, got %d", len(page.Items))
	}
	if page.Items[0].ID != threads[0].ID || page.Items[1].ID != threads[2].ID || page.Items[2].ID != threads[1].ID {
		t.Fatal("expected descending score order")
	}
}

func TestListThreadsRejectsBadCursor(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "Paging")
	ctx := context.Background()

	if _, err := fixture.service.ListThreads(ctx, category.ID, SortLastActivity, "not-base64!!!", 10); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for garbage cursor, got %v", err)
	}

	// A cursor minted under one sort cannot continue a different sort.
	seedThreads(t, fixture, category.ID, 3)
	page, err := fixture.service.ListThreads(ctx, category.ID, SortLastActivity, "", 1)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if _, err := fixture.service.ListThreads(ctx, category.ID, SortScore, page.NextCursor, 1); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for sort mismatch, got %v", err)
	}

	if _, err := fixture.service.ListThreads(ctx, category.ID, ThreadSort("hotness"), "", 1); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for unknown sort, got %v", err)
	}
}

func TestListRepliesOldestFirst(t *testing.T) {
	fixture := newServiceFixture(t)
	category := fixture.mustCreateCategory(t, "Paging")
	thread := fixture.mustCreateThread(t, userIdentity("user-1"), category.ID, "Reply paging")
	ctx := context.Background()

	var replies []Reply
	for i := 0; i < 5; i++ {
		fixture.advance(time.Minute)
		replies = append(replies, fixture.mustCreateReply(t, auth.Identity{UserID: fmt.Sprintf("user-%d", i+2), Role: auth.RoleUser}, thread.ID, fmt.Sprintf("reply %d", i), nil))
	}

	first, err := fixture.service.ListReplies(ctx, thread.ID, "", 3)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(first.Items) != 3 || first.Items[0].ID != replies[0].ID {
		t.Fatalf("expected oldest reply first")
	}
	if first.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}

	rest, err := fixture.service.ListReplies(ctx, thread.ID, first.NextCursor, 10)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(rest.Items) != 2 || rest.Items[0].ID != replies[3].ID || rest.Items[1].ID != replies[4].ID {
		t.Fatalf("unexpected continuation page")
	}
	if rest.NextCursor != "" {
		t.Fatal("expected no cursor on the final page")
	}

	if _, err := fixture.service.ListReplies(ctx, thread.ID, "???", 10); KindOf(err) != KindValidation {
		t.Fatalf("expected validation error for garbage cursor, got %v", err)
	}
}
