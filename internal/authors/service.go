package authors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not carry a user id.
var ErrInvalidIdentity = errors.New("authors: invalid identity")

// refreshInterval bounds how often a cached author's last_seen_at is written.
const refreshInterval = 10 * time.Minute

// ServiceConfig describes the dependencies of the author directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service keeps the author directory in step with validated sessions.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

type cachedAuthor struct {
	author  Author
	written time.Time
}

// NewService constructs the author directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("authors: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// Resolve returns the author id for the session and records its profile.
// Claims with an unchanged profile are served from the cache until the refresh interval lapses.
func (s *Service) Resolve(ctx context.Context, claims auth.SessionClaims) (string, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return "", ErrInvalidIdentity
	}
	candidate := Author{
		ID:          userID,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
	}

	now := s.now().UTC()
	if cached, ok := s.cache.Load(userID); ok {
		entry, valid := cached.(cachedAuthor)
		if valid && sameProfile(entry.author, candidate) && now.Sub(entry.written) < refreshInterval {
			return userID, nil
		}
	}

	candidate.LastSeenAt = now
	candidate.CreatedAt = now
	candidate.UpdatedAt = now
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"email":        candidate.Email,
			"display_name": candidate.DisplayName,
			"last_seen_at": now,
			"updated_at":   now,
		}),
	}).Create(&candidate).Error
	if err != nil {
		s.logger.Error("author upsert failed", zap.String("author_id", userID), zap.Error(err))
		return "", err
	}
	s.cache.Store(userID, cachedAuthor{author: candidate, written: now})
	return userID, nil
}

// DisplayNames maps author ids to labels. Unknown ids map to themselves.
func (s *Service) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	lookup := make([]string, 0, len(ids))
	for _, id := range ids {
		id = normalize(id)
		if id == "" {
			continue
		}
		if _, seen := names[id]; seen {
			continue
		}
		names[id] = id
		lookup = append(lookup, id)
	}
	if len(lookup) == 0 {
		return names, nil
	}
	var rows []Author
	if err := s.db.WithContext(ctx).Where("id IN ?", lookup).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		names[row.ID] = row.Label()
	}
	return names, nil
}

// Get loads one author.
func (s *Service) Get(ctx context.Context, id string) (Author, error) {
	var author Author
	err := s.db.WithContext(ctx).Where("id = ?", normalize(id)).First(&author).Error
	return author, err
}

func sameProfile(left, right Author) bool {
	return left.Email == right.Email && left.DisplayName == right.DisplayName
}
