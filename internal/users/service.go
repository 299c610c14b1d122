package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/roles"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not describe a usable actor.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const defaultCacheSize = 1024

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// CacheSize bounds the number of recently recorded actors kept in memory.
	CacheSize int
}

// Service resolves session claims into actors and keeps the user directory current.
type Service struct {
	db        *gorm.DB
	now       func() time.Time
	logger    *zap.Logger
	cacheSize int

	mu    sync.Mutex
	cache map[string]roles.Actor
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	return &Service{
		db:        cfg.Database,
		now:       clock,
		logger:    logger,
		cacheSize: cacheSize,
		cache:     make(map[string]roles.Actor),
	}, nil
}

// ResolveActor validates the identity in claims and records it in the directory.
// The role always comes from the validated token; the directory is a record, not an authority.
func (s *Service) ResolveActor(ctx context.Context, claims auth.SessionClaims) (roles.Actor, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	displayName := normalize(claims.UserDisplayName)
	if displayName == "" {
		displayName = userID
	}
	actor, err := roles.NewActor(userID, displayName, claims.UserRole)
	if err != nil {
		return roles.Actor{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	if s.cached(actor) {
		return actor, nil
	}
	if err := s.record(ctx, actor); err != nil {
		return roles.Actor{}, err
	}
	s.remember(actor)
	return actor, nil
}

func (s *Service) cached(actor roles.Actor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	known, ok := s.cache[actor.UserID]
	return ok && known == actor
}

// remember caches actor. A full cache is dropped wholesale; the next request per user re-records it.
func (s *Service) remember(actor roles.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[actor.UserID]; !ok && len(s.cache) >= s.cacheSize {
		s.cache = make(map[string]roles.Actor, s.cacheSize)
	}
	s.cache[actor.UserID] = actor
}

func (s *Service) record(ctx context.Context, actor roles.Actor) error {
	now := s.now().UTC()
	var identity Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", actor.UserID).Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			UserID:      actor.UserID,
			DisplayName: actor.Name,
			Role:        actor.Role.String(),
			LastSeenAt:  now,
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			s.logger.Error("user identity insert failed", zap.String("user_id", actor.UserID), zap.Error(err))
			return err
		}
		return nil
	}
	if err != nil {
		s.logger.Error("user identity lookup failed", zap.String("user_id", actor.UserID), zap.Error(err))
		return err
	}

	updates := map[string]interface{}{"last_seen_at": now}
	if identity.DisplayName != actor.Name {
		updates["display_name"] = actor.Name
	}
	if identity.Role != actor.Role.String() {
		updates["role"] = actor.Role.String()
		s.logger.Info("user role changed",
			zap.String("user_id", actor.UserID),
			zap.String("previous_role", identity.Role),
			zap.String("role", actor.Role.String()))
	}
	return s.db.WithContext(ctx).Model(&Identity{}).Where("user_id = ?", actor.UserID).Updates(updates).Error
}

// Lookup returns the directory entry for a user.
func (s *Service) Lookup(ctx context.Context, userID string) (Identity, error) {
	var identity Identity
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Take(&identity).Error
	return identity, err
}
