package slug

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// NamespaceCategory scopes slugs that address categories.
	NamespaceCategory = "category"

	defaultMaxSuffixAttempts = 1000
	maxChainHops             = 32
)

var (
	// ErrSlugNotFound indicates that no mapping exists for the requested slug.
	ErrSlugNotFound = errors.New("slug: not found")
	// ErrSlugExhausted indicates that no free suffix remained for the desired slug.
	ErrSlugExhausted = errors.New("slug: suffix space exhausted")
	// ErrUnusableSlugText indicates the desired text yields no URL-safe characters.
	ErrUnusableSlugText = errors.New("slug: text yields no usable slug")

	errMissingDatabase = errors.New("slug: database handle is required")
)

// ThreadNamespace scopes thread slugs to their category, keeping thread slug
// uniqueness a per-category guarantee.
func ThreadNamespace(categoryID string) string {
	return "thread:" + categoryID
}

// Mapping records the binding between a slug and an entity within a namespace.
// Superseded mappings are kept as tombstones so old links redirect instead of
// breaking, and so a retired slug is never handed to a different entity.
type Mapping struct {
	Namespace        string  `gorm:"column:namespace;primaryKey;size:190;not null"`
	Slug             string  `gorm:"column:slug;primaryKey;size:190;not null"`
	EntityID         string  `gorm:"column:entity_id;size:190;not null;index:idx_slug_entity"`
	SupersededBy     *string `gorm:"column:superseded_by;size:190"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Mapping) TableName() string {
	return "slug_mappings"
}

// Resolution is the outcome of resolving a slug.
type Resolution struct {
	EntityID  string
	IsCurrent bool
}

// RegistryConfig bundles the dependencies for a Registry.
type RegistryConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	MaxSuffixAttempts int
	Logger            *zap.Logger
}

// Registry reserves, renames, and resolves namespace-scoped slugs.
type Registry struct {
	db          *gorm.DB
	clock       func() time.Time
	maxAttempts int
	logger      *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	attempts := cfg.MaxSuffixAttempts
	if attempts <= 0 {
		attempts = defaultMaxSuffixAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{db: cfg.Database, clock: clock, maxAttempts: attempts, logger: logger}, nil
}

// Reserve derives a slug from desiredText and binds it to entityID within the
// namespace, appending the smallest unused numeric suffix on collision. The
// supplied tx lets the reservation join the caller's transaction so a failed
// entity creation leaves no orphan mapping.
func (r *Registry) Reserve(tx *gorm.DB, namespace, desiredText, entityID string) (string, error) {
	if tx == nil {
		tx = r.db
	}
	base := Slugify(desiredText)
	if base == "" {
		return "", ErrUnusableSlugText
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		candidate := base
		if attempt > 1 {
			candidate = fmt.Sprintf("%s-%d", base, attempt)
		}

		var existing Mapping
		err := tx.Where("namespace = ? AND slug = ?", namespace, candidate).Take(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}

		mapping := Mapping{
			Namespace:        namespace,
			Slug:             candidate,
			EntityID:         entityID,
			CreatedAtSeconds: r.clock().UTC().Unix(),
		}
		if err := tx.Create(&mapping).Error; err != nil {
			return "", err
		}
		return candidate, nil
	}

	r.logger.Warn("slug suffix space exhausted",
		zap.String("namespace", namespace),
		zap.String("base", base))
	return "", ErrSlugExhausted
}

// Rename reserves a fresh slug for the entity and marks every live mapping of
// that entity as superseded by it. Old slugs keep resolving, and are never
// reissued to another entity.
func (r *Registry) Rename(tx *gorm.DB, namespace, entityID, newDesiredText string) (string, error) {
	if tx == nil {
		tx = r.db
	}
	newSlug, err := r.Reserve(tx, namespace, newDesiredText, entityID)
	if err != nil {
		return "", err
	}

	err = tx.Model(&Mapping{}).
		Where("namespace = ? AND entity_id = ? AND slug <> ? AND superseded_by IS NULL", namespace, entityID, newSlug).
		Update("superseded_by", newSlug).Error
	if err != nil {
		return "", err
	}
	return newSlug, nil
}

// Resolve follows the supersession chain from slug to the current mapping.
// IsCurrent is false when the caller arrived through a superseded slug and
// should answer with a redirect.
func (r *Registry) Resolve(ctx context.Context, namespace, slugValue string) (Resolution, error) {
	current := slugValue
	for hop := 0; hop <= maxChainHops; hop++ {
		var mapping Mapping
		err := r.db.WithContext(ctx).
			Where("namespace = ? AND slug = ?", namespace, current).
			Take(&mapping).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Resolution{}, ErrSlugNotFound
		}
		if err != nil {
			return Resolution{}, err
		}
		if mapping.SupersededBy == nil {
			return Resolution{EntityID: mapping.EntityID, IsCurrent: hop == 0}, nil
		}
		current = *mapping.SupersededBy
	}
	return Resolution{}, ErrSlugNotFound
}
