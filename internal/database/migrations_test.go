package database

import (
	"testing"

	"github.com/driveline/forum/backend/internal/forum"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite("file::memory:", nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{
		"categories", "threads", "replies", "reply_revisions",
		"votes", "reputation_records", "reputation_credits",
		"slug_mappings", "db_migrations",
	} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}

	var applied migrationRecord
	if err := db.Where("name = ?", migrationBackfillThreadActivity).Take(&applied).Error; err != nil {
		t.Fatalf("expected migration record: %v", err)
	}
}

func TestBackfillThreadActivity(t *testing.T) {
	db, err := OpenSQLite("file::memory:", nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	thread := forum.Thread{
		ID:               "thread-1",
		CategoryID:       "cat-1",
		AuthorID:         "user-1",
		Title:            "t",
		Slug:             "t",
		Body:             "b",
		Status:           forum.ThreadStatusOpen,
		CreatedAtSeconds: 1700000000,
		Version:          1,
	}
	if err := db.Create(&thread).Error; err != nil {
		t.Fatalf("failed to insert thread: %v", err)
	}
	if err := backfillThreadActivity(db); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	var reloaded forum.Thread
	if err := db.Where("thread_id = ?", "thread-1").Take(&reloaded).Error; err != nil {
		t.Fatalf("failed to reload thread: %v", err)
	}
	if reloaded.LastActivityAtSeconds != 1700000000 {
		t.Fatalf("expected backfilled activity timestamp, got %d", reloaded.LastActivityAtSeconds)
	}
}
