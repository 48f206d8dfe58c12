package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingSessionID = errors.New("identity: session id required")

// RevokedSession marks a signed-out session so its unexpired tokens stay anonymous
// on every process sharing the database.
type RevokedSession struct {
	SessionID        string `gorm:"column:session_id;primaryKey;size:190;not null"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null;index"`
	RevokedAtSeconds int64  `gorm:"column:revoked_at_s;not null"`
}

// TableName exposes the table backing revocations.
func (RevokedSession) TableName() string {
	return "revoked_sessions"
}

// RevocationsConfig describes the dependencies of a Revocations list.
type RevocationsConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Revocations persists signed-out session ids until their tokens expire.
type Revocations struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewRevocations constructs the revocation list.
func NewRevocations(cfg RevocationsConfig) (*Revocations, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Revocations{db: cfg.Database, now: clock, logger: logger}, nil
}

// Revoke records sessionID as signed out until expiresAt. Rows whose tokens have
// already expired are pruned on the way.
func (r *Revocations) Revoke(ctx context.Context, sessionID string, expiresAt time.Time) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errMissingSessionID
	}
	now := r.now().UTC().Unix()
	record := RevokedSession{SessionID: sessionID, ExpiresAtSeconds: expiresAt.UTC().Unix(), RevokedAtSeconds: now}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at_s", "revoked_at_s"}),
	}).Create(&record).Error
	if err != nil {
		r.logger.Error("session revocation failed", zap.String("session_id", sessionID), zap.Error(err))
		return domain.NewRemoteError(domain.CodeUnavailable, "", err)
	}
	if err := r.db.WithContext(ctx).Where("expires_at_s <= ?", now).Delete(&RevokedSession{}).Error; err != nil {
		r.logger.Warn("revocation prune failed", zap.Error(err))
	}
	return nil
}

// IsRevoked reports whether sessionID was signed out and its tokens are still live.
func (r *Revocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&RevokedSession{}).
		Where("session_id = ? AND expires_at_s > ?", sessionID, r.now().UTC().Unix()).
		Count(&count).Error
	if err != nil {
		r.logger.Error("revocation lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return false, domain.NewRemoteError(domain.CodeUnavailable, "", err)
	}
	return count > 0, nil
}
