package reputation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/driveline/forum/backend/internal/auth"
	"github.com/driveline/forum/backend/internal/voting"
)

const (
	defaultQueueSize = 256
	creditWindow     = 24 * time.Hour
)

var errMissingDatabase = errors.New("reputation: database handle is required")

// Record is the derived reputation score for a user. Never written directly
// by users; rebuilt incrementally from vote ledger deltas attributable to the
// user's authored content. SeedScore is the starting value the identity
// provider supplied for the account.
type Record struct {
	UserID                  string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Score                   int64  `gorm:"column:score;not null;default:0"`
	SeedScore               int64  `gorm:"column:seed_score;not null;default:0"`
	LastRecomputedAtSeconds int64  `gorm:"column:last_recomputed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "reputation_records"
}

// Credit tracks how much reputation a single voter has granted an author in
// the current window. Deltas beyond the cap stay in the vote ledger for audit
// but are excluded from the reputation sum, so the displayed score and the
// ledger may legitimately diverge.
type Credit struct {
	VoterID            string `gorm:"column:voter_id;primaryKey;size:190;not null"`
	AuthorID           string `gorm:"column:author_id;primaryKey;size:190;not null"`
	WindowStartSeconds int64  `gorm:"column:window_start_s;not null"`
	Granted            int64  `gorm:"column:granted;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Credit) TableName() string {
	return "reputation_credits"
}

// Delta is one attributable score movement from the vote ledger.
type Delta struct {
	AuthorID string
	VoterID  string
	Amount   int64
}

// EngineConfig bundles the dependencies of the reputation engine.
type EngineConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	DailyCap  int64
	QueueSize int
	Logger    *zap.Logger
}

// Engine consumes vote deltas and maintains per-user reputation scores with a
// non-negative floor and a per-(voter, author) daily gain cap against
// brigading. A cap of zero disables capping.
type Engine struct {
	db        *gorm.DB
	clock     func() time.Time
	dailyCap  int64
	queue     chan Delta
	seedCache sync.Map
	logger    *zap.Logger
}

// NewEngine constructs the reputation engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       cfg.Database,
		clock:    clock,
		dailyCap: cfg.DailyCap,
		queue:    make(chan Delta, queueSize),
		logger:   logger,
	}, nil
}

// Enqueue implements voting.ReputationSink. It never blocks the write path:
// when the queue is full the delta is applied inline.
func (e *Engine) Enqueue(authorID, voterID string, delta int64) {
	select {
	case e.queue <- Delta{AuthorID: authorID, VoterID: voterID, Amount: delta}:
	default:
		if err := e.Apply(context.Background(), Delta{AuthorID: authorID, VoterID: voterID, Amount: delta}); err != nil {
			e.logger.Error("inline reputation apply failed",
				zap.String("author_id", authorID),
				zap.Error(err))
		}
	}
}

// Run drains the delta queue until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case delta := <-e.queue:
			if err := e.Apply(ctx, delta); err != nil {
				e.logger.Error("reputation apply failed",
					zap.String("author_id", delta.AuthorID),
					zap.String("voter_id", delta.VoterID),
					zap.Error(err))
			}
		}
	}
}

// Apply folds a single delta into the author's score. Positive amounts are
// limited by the per-(voter, author) window cap; the floor keeps the score
// non-negative regardless of down-vote volume.
func (e *Engine) Apply(ctx context.Context, delta Delta) error {
	if delta.AuthorID == "" || delta.Amount == 0 {
		return nil
	}
	now := e.clock().UTC()

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := e.lockOrCreateRecord(tx, delta.AuthorID, now)
		if err != nil {
			return err
		}

		effective := delta.Amount
		if e.dailyCap > 0 && delta.Amount > 0 && delta.VoterID != "" {
			effective, err = e.consumeCredit(tx, delta, now)
			if err != nil {
				return err
			}
		}

		newScore := record.Score + effective
		if newScore < 0 {
			newScore = 0
		}
		updates := map[string]interface{}{
			"score":                newScore,
			"last_recomputed_at_s": now.Unix(),
		}
		return tx.Model(&Record{}).Where("user_id = ?", delta.AuthorID).Updates(updates).Error
	})
}

// EnsureRecord creates the reputation record for an identity on first sight,
// seeding it with the provider-supplied starting score. Cached per process.
func (e *Engine) EnsureRecord(ctx context.Context, identity auth.Identity) error {
	if identity.UserID == "" {
		return nil
	}
	if _, seen := e.seedCache.Load(identity.UserID); seen {
		return nil
	}
	record := Record{
		UserID:                  identity.UserID,
		Score:                   identity.ReputationSeed,
		SeedScore:               identity.ReputationSeed,
		LastRecomputedAtSeconds: e.clock().UTC().Unix(),
	}
	err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return err
	}
	e.seedCache.Store(identity.UserID, struct{}{})
	return nil
}

// Score returns the user's current reputation; unknown users score zero.
func (e *Engine) Score(ctx context.Context, userID string) (int64, error) {
	var record Record
	err := e.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return record.Score, nil
}

// Recompute rebuilds a user's score from the full vote ledger: seed plus the
// sum of vote directions on the user's authored content, floored at zero.
// Used for drift repair; the historical gain cap is not re-applied.
func (e *Engine) Recompute(ctx context.Context, userID string) (int64, error) {
	now := e.clock().UTC()
	var score int64

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := e.lockOrCreateRecord(tx, userID, now)
		if err != nil {
			return err
		}

		var ledgerSum int64
		err = tx.Model(&voting.Vote{}).
			Where("author_id = ?", userID).
			Select("COALESCE(SUM(direction), 0)").
			Scan(&ledgerSum).Error
		if err != nil {
			return err
		}

		score = record.SeedScore + ledgerSum
		if score < 0 {
			score = 0
		}
		updates := map[string]interface{}{
			"score":                score,
			"last_recomputed_at_s": now.Unix(),
		}
		return tx.Model(&Record{}).Where("user_id = ?", userID).Updates(updates).Error
	})
	if txErr != nil {
		return 0, txErr
	}
	return score, nil
}

func (e *Engine) lockOrCreateRecord(tx *gorm.DB, userID string, now time.Time) (Record, error) {
	var record Record
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = Record{UserID: userID, LastRecomputedAtSeconds: now.Unix()}
		if err := tx.Create(&record).Error; err != nil {
			return Record{}, err
		}
		return record, nil
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// consumeCredit deducts from the voter's window allowance toward the author
// and returns the delta portion that still counts. The window restarts once
// it is older than 24 hours.
func (e *Engine) consumeCredit(tx *gorm.DB, delta Delta, now time.Time) (int64, error) {
	var credit Credit
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("voter_id = ? AND author_id = ?", delta.VoterID, delta.AuthorID).
		Take(&credit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		credit = Credit{
			VoterID:            delta.VoterID,
			AuthorID:           delta.AuthorID,
			WindowStartSeconds: now.Unix(),
		}
		if err := tx.Create(&credit).Error; err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	if now.Sub(time.Unix(credit.WindowStartSeconds, 0)) >= creditWindow {
		credit.WindowStartSeconds = now.Unix()
		credit.Granted = 0
	}

	allowed := e.dailyCap - credit.Granted
	if allowed < 0 {
		allowed = 0
	}
	effective := delta.Amount
	if effective > allowed {
		effective = allowed
	}
	e.logExcess(delta, effective)

	credit.Granted += effective
	updates := map[string]interface{}{
		"window_start_s": credit.WindowStartSeconds,
		"granted":        credit.Granted,
	}
	err = tx.Model(&Credit{}).
		Where("voter_id = ? AND author_id = ?", delta.VoterID, delta.AuthorID).
		Updates(updates).Error
	if err != nil {
		return 0, err
	}
	return effective, nil
}

func (e *Engine) logExcess(delta Delta, effective int64) {
	if effective < delta.Amount {
		e.logger.Debug("reputation gain capped",
			zap.String("voter_id", delta.VoterID),
			zap.String("author_id", delta.AuthorID),
			zap.Int64("requested", delta.Amount),
			zap.Int64("granted", effective))
	}
}
