// Package identity provides the identity provider used by the storefront: an account
// directory with bcrypt password hashes and per-client sessions whose identity changes
// are observable.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fishmarket/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// MinPasswordLength is the shortest password accepted at sign-up.
const MinPasswordLength = 6

var (
	errMissingDatabase = errors.New("identity: database connection required")
	emailPattern       = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// ValidEmail reports whether value looks like an email address.
func ValidEmail(value string) bool {
	return emailPattern.MatchString(strings.TrimSpace(value))
}

// DirectoryConfig describes the dependencies of a Directory.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	NewUID   func() (string, error)
	HashCost int
	Logger   *zap.Logger
}

// Directory registers and authenticates accounts.
type Directory struct {
	db       *gorm.DB
	now      func() time.Time
	newUID   func() (string, error)
	hashCost int
	logger   *zap.Logger
	cache    sync.Map
}

// NewDirectory constructs the account directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newUID := cfg.NewUID
	if newUID == nil {
		newUID = func() (string, error) {
			value, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return value.String(), nil
		}
	}
	hashCost := cfg.HashCost
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		db:       cfg.Database,
		now:      clock,
		newUID:   newUID,
		hashCost: hashCost,
		logger:   logger,
	}, nil
}

// Register creates an account and returns its identity.
func (d *Directory) Register(ctx context.Context, credentials Credentials) (domain.Identity, error) {
	email := NormalizeEmail(credentials.Email)
	if !ValidEmail(email) {
		return domain.Identity{}, domain.NewRemoteError(domain.CodeInvalidEmail, "email address is malformed", nil)
	}
	if len(credentials.Password) < MinPasswordLength {
		return domain.Identity{}, domain.NewRemoteError(domain.CodeWeakPassword,
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength), nil)
	}

	var existing Account
	err := d.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if err == nil {
		return domain.Identity{}, domain.NewRemoteError(domain.CodeEmailAlreadyInUse, "email address already registered", nil)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		d.logger.Error("account lookup failed", zap.Error(err))
		return domain.Identity{}, domain.NewRemoteError(domain.CodeUnavailable, "", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(credentials.Password), d.hashCost)
	if err != nil {
		return domain.Identity{}, domain.NewRemoteError(domain.CodeWeakPassword, "password cannot be hashed", err)
	}
	uid, err := d.newUID()
	if err != nil {
		return domain.Identity{}, domain.NewRemoteError(domain.CodeInternal, "", err)
	}
	account := Account{
		UID:          uid,
		Email:        email,
		PasswordHash: string(hash),
		LastSignInAt: d.now(),
	}
	if err := d.db.WithContext(ctx).Create(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
			return domain.Identity{}, domain.NewRemoteError(domain.CodeEmailAlreadyInUse, "email address already registered", err)
		}
		d.logger.Error("account insert failed", zap.Error(err))
		return domain.Identity{}, domain.NewRemoteError(domain.CodeUnavailable, "", err)
	}

	identity := domain.Identity{UID: account.UID, Email: account.Email}
	d.cache.Store(identity.UID, identity)
	d.logger.Info("account registered", zap.String("uid", identity.UID))
	return identity, nil
}

// Authenticate checks credentials and returns the matching identity.
func (d *Directory) Authenticate(ctx context.Context, credentials Credentials) (domain.Identity, error) {
	email := NormalizeEmail(credentials.Email)
	if !ValidEmail(email) {
		return domain.Identity{}, domain.NewRemoteError(domain.CodeInvalidEmail, "email address is malformed", nil)
	}
	var account Account
	err := d.db.WithContext(ctx).Where("email = ?", email).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Identity{}, domain.NewRemoteError(domain.CodeUserNotFound, "no account for email", nil)
	}
	if err != nil {
		d.logger.Error("account lookup failed", zap.Error(err))
		return domain.Identity{}, domain.NewRemoteError(domain.CodeUnavailable, "", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(credentials.Password)); err != nil {
		return domain.Identity{}, domain.NewRemoteError(domain.CodeWrongPassword, "password does not match", nil)
	}
	_ = d.db.WithContext(ctx).Model(&Account{}).
		Where("uid = ?", account.UID).
		Update("last_sign_in_at", d.now()).
		Error

	identity := domain.Identity{UID: account.UID, Email: account.Email}
	d.cache.Store(identity.UID, identity)
	return identity, nil
}

// Lookup resolves a uid to its identity.
func (d *Directory) Lookup(ctx context.Context, uid string) (domain.Identity, error) {
	if cached, ok := d.cache.Load(uid); ok {
		if identity, ok := cached.(domain.Identity); ok {
			return identity, nil
		}
	}
	var account Account
	err := d.db.WithContext(ctx).Where("uid = ?", uid).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Identity{}, domain.NewRemoteError(domain.CodeUserNotFound, "no account for uid", nil)
	}
	if err != nil {
		return domain.Identity{}, domain.NewRemoteError(domain.CodeUnavailable, "", err)
	}
	identity := domain.Identity{UID: account.UID, Email: account.Email}
	d.cache.Store(uid, identity)
	return identity, nil
}
