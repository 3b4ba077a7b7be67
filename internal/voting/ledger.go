package voting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/driveline/forum/backend/internal/auth"
	"github.com/driveline/forum/backend/internal/forum"
	"github.com/driveline/forum/backend/internal/realtime"
)

const (
	opCastVote    = "voting.cast_vote"
	opLedgerEntry = "voting.ledger_entry"
	opCountVotes  = "voting.count_votes"

	defaultMaxRetries = 5
	defaultRetryDelay = 5 * time.Millisecond
)

var (
	errMissingDatabase   = errors.New("voting: database handle is required")
	errSelfVote          = errors.New("voting: voting on own content is forbidden")
	errInvalidDirection  = errors.New("voting: direction must be +1 or -1")
	errInvalidTargetType = errors.New("voting: invalid target type")
	errScoreConflict     = errors.New("voting: concurrent score update")
)

// TargetType enumerates the votable entity kinds.
type TargetType string

const (
	// TargetThread votes on a thread.
	TargetThread TargetType = "thread"
	// TargetReply votes on a reply.
	TargetReply TargetType = "reply"
)

// ParseTargetType validates a raw target type value.
func ParseTargetType(raw string) (TargetType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(TargetThread):
		return TargetThread, nil
	case string(TargetReply):
		return TargetReply, nil
	default:
		return "", fmt.Errorf("%w: %q", errInvalidTargetType, raw)
	}
}

// Vote is the single ledger record per (voter, target). Casting again
// overwrites the direction rather than appending. AuthorID denormalizes the
// target's author so reputation can be rebuilt from the ledger alone.
type Vote struct {
	VoterID       string     `gorm:"column:voter_id;primaryKey;size:190;not null"`
	TargetType    TargetType `gorm:"column:target_type;primaryKey;size:16;not null"`
	TargetID      string     `gorm:"column:target_id;primaryKey;size:190;not null;index:idx_votes_target"`
	Direction     int        `gorm:"column:direction;not null"`
	AuthorID      string     `gorm:"column:author_id;size:190;not null;index:idx_votes_author"`
	CastAtSeconds int64      `gorm:"column:cast_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// ReputationSink receives attribution deltas after a vote commits.
type ReputationSink interface {
	Enqueue(authorID, voterID string, delta int64)
}

type noopSink struct{}

func (noopSink) Enqueue(string, string, int64) {}

// ScoreEventPayload is the wire payload for score_updated events.
type ScoreEventPayload struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	ThreadID   string `json:"thread_id"`
	Score      int64  `json:"score"`
}

// LedgerConfig bundles the dependencies of the vote ledger.
type LedgerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Publisher  forum.Publisher
	Sink       ReputationSink
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Ledger owns vote records and keeps the targets' cached scores consistent
// with them. Score and vote row change in one transaction serialized per
// target; contention is retried with bounded backoff before surfacing as a
// conflict.
type Ledger struct {
	db         *gorm.DB
	clock      func() time.Time
	publisher  forum.Publisher
	sink       ReputationSink
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewLedger constructs the vote ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noopForumPublisher{}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = noopSink{}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		db:         cfg.Database,
		clock:      clock,
		publisher:  publisher,
		sink:       sink,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger,
	}, nil
}

type noopForumPublisher struct{}

func (noopForumPublisher) Publish(string, string, interface{}) {}

type castOutcome struct {
	score      int64
	delta      int64
	authorID   string
	threadID   string
	categoryID string
}

// CastVote applies a vote with overwrite semantics: a repeated direction is an
// idempotent no-op, a reversed direction moves the score by two. Returns the
// target's updated score. The reputation delta and the score_updated event
// are emitted only after the transaction commits.
func (l *Ledger) CastVote(ctx context.Context, actor auth.Identity, targetType TargetType, targetID string, direction int) (int64, error) {
	if direction != 1 && direction != -1 {
		return 0, forum.NewError(forum.KindValidation, opCastVote+".invalid_direction", errInvalidDirection)
	}
	if _, err := ParseTargetType(string(targetType)); err != nil {
		return 0, forum.NewError(forum.KindValidation, opCastVote+".invalid_target_type", err)
	}

	var outcome castOutcome
	var err error
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		outcome, err = l.tryCastVote(ctx, actor, targetType, targetID, direction)
		if err == nil {
			break
		}
		if !errors.Is(err, errScoreConflict) {
			return 0, err
		}
		delay := l.retryDelay << uint(attempt)
		select {
		case <-ctx.Done():
			return 0, forum.NewError(forum.KindUnknown, opCastVote+".cancelled", ctx.Err())
		case <-time.After(delay):
		}
	}
	if err != nil {
		l.logger.Warn("vote retries exhausted",
			zap.String("voter_id", actor.UserID),
			zap.String("target_type", string(targetType)),
			zap.String("target_id", targetID))
		return 0, forum.NewError(forum.KindConflict, opCastVote+".retries_exhausted", err)
	}

	if outcome.delta != 0 {
		l.sink.Enqueue(outcome.authorID, actor.UserID, outcome.delta)
		payload := ScoreEventPayload{
			TargetType: string(targetType),
			TargetID:   targetID,
			ThreadID:   outcome.threadID,
			Score:      outcome.score,
		}
		l.publisher.Publish(realtime.ThreadChannel(outcome.threadID), realtime.EventScoreUpdated, payload)
		if targetType == TargetThread && outcome.categoryID != "" {
			l.publisher.Publish(realtime.CategoryChannel(outcome.categoryID), realtime.EventScoreUpdated, payload)
		}
	}
	return outcome.score, nil
}

func (l *Ledger) tryCastVote(ctx context.Context, actor auth.Identity, targetType TargetType, targetID string, direction int) (castOutcome, error) {
	var outcome castOutcome
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := l.lockTarget(tx, targetType, targetID)
		if err != nil {
			return err
		}
		if target.authorID == actor.UserID {
			return forum.NewError(forum.KindSelfVote, opCastVote+".self_vote", errSelfVote)
		}

		oldDirection := 0
		var existing Vote
		err = tx.Where("voter_id = ? AND target_type = ? AND target_id = ?", actor.UserID, targetType, targetID).
			Take(&existing).Error
		if err == nil {
			oldDirection = existing.Direction
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return forum.NewError(forum.KindUnknown, opCastVote+".vote_select_failed", err)
		}

		delta := int64(direction - oldDirection)
		outcome = castOutcome{
			score:      target.score + delta,
			delta:      delta,
			authorID:   target.authorID,
			threadID:   target.threadID,
			categoryID: target.categoryID,
		}
		if delta == 0 {
			return nil
		}

		vote := Vote{
			VoterID:       actor.UserID,
			TargetType:    targetType,
			TargetID:      targetID,
			Direction:     direction,
			AuthorID:      target.authorID,
			CastAtSeconds: l.clock().UTC().Unix(),
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "voter_id"}, {Name: "target_type"}, {Name: "target_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"direction", "cast_at_s"}),
		}).Create(&vote).Error
		if err != nil {
			return forum.NewError(forum.KindUnknown, opCastVote+".vote_upsert_failed", err)
		}

		if err := l.applyScore(tx, targetType, targetID, target.version, outcome.score); err != nil {
			return err
		}
		return nil
	})
	if txErr != nil {
		return castOutcome{}, txErr
	}
	return outcome, nil
}

type lockedTarget struct {
	authorID   string
	score      int64
	version    int64
	threadID   string
	categoryID string
}

func (l *Ledger) lockTarget(tx *gorm.DB, targetType TargetType, targetID string) (lockedTarget, error) {
	switch targetType {
	case TargetThread:
		var thread forum.Thread
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("thread_id = ?", targetID).
			Take(&thread).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return lockedTarget{}, forum.NewError(forum.KindNotFound, opCastVote+".thread_not_found", err)
		}
		if err != nil {
			return lockedTarget{}, forum.NewError(forum.KindUnknown, opCastVote+".thread_select_failed", err)
		}
		return lockedTarget{
			authorID:   thread.AuthorID,
			score:      thread.Score,
			version:    thread.Version,
			threadID:   thread.ID,
			categoryID: thread.CategoryID,
		}, nil
	default:
		var reply forum.Reply
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("reply_id = ?", targetID).
			Take(&reply).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return lockedTarget{}, forum.NewError(forum.KindNotFound, opCastVote+".reply_not_found", err)
		}
		if err != nil {
			return lockedTarget{}, forum.NewError(forum.KindUnknown, opCastVote+".reply_select_failed", err)
		}
		return lockedTarget{
			authorID: reply.AuthorID,
			score:    reply.Score,
			version:  reply.Version,
			threadID: reply.ThreadID,
		}, nil
	}
}

// applyScore writes the new cached score guarded by the version the target
// carried when locked. A lost race updates zero rows and triggers a retry.
func (l *Ledger) applyScore(tx *gorm.DB, targetType TargetType, targetID string, version, newScore int64) error {
	updates := map[string]interface{}{
		"score":   newScore,
		"version": version + 1,
	}
	var result *gorm.DB
	if targetType == TargetThread {
		result = tx.Model(&forum.Thread{}).
			Where("thread_id = ? AND version = ?", targetID, version).
			Updates(updates)
	} else {
		result = tx.Model(&forum.Reply{}).
			Where("reply_id = ? AND version = ?", targetID, version).
			Updates(updates)
	}
	if result.Error != nil {
		return forum.NewError(forum.KindUnknown, opCastVote+".score_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return errScoreConflict
	}
	return nil
}

// LedgerEntry returns the single vote a voter holds on a target, nil when none.
func (l *Ledger) LedgerEntry(ctx context.Context, voterID string, targetType TargetType, targetID string) (*Vote, error) {
	var vote Vote
	err := l.db.WithContext(ctx).
		Where("voter_id = ? AND target_type = ? AND target_id = ?", voterID, targetType, targetID).
		Take(&vote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, forum.NewError(forum.KindUnknown, opLedgerEntry+".query_failed", err)
	}
	return &vote, nil
}

// CountVotesForReply implements forum.VoteCounter for edit-window policy.
func (l *Ledger) CountVotesForReply(ctx context.Context, replyID string) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&Vote{}).
		Where("target_type = ? AND target_id = ?", TargetReply, replyID).
		Count(&count).Error
	if err != nil {
		return 0, forum.NewError(forum.KindUnknown, opCountVotes+".query_failed", err)
	}
	return count, nil
}
