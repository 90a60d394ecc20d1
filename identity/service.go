// Package identity owns user accounts: registration, credential checks,
// session tokens, profile and settings.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/cache"
	"github.com/kasuganosora/nearchat/config"
	dbadapter "github.com/kasuganosora/nearchat/db"
	"github.com/kasuganosora/nearchat/model"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	maxUsernameLen = 80
	maxEmailLen    = 120
	maxAboutLen    = 500
	// bcrypt ignores input past 72 bytes.
	maxPasswordLen = 72

	denylistPrefix = "denylist:"
)

// Service implements the identity store on top of gorm.
type Service struct {
	db             *gorm.DB
	cache          cache.Cache
	tokens         *TokenIssuer
	bcryptCost     int
	revokeOnLogout bool
	logger         *zap.Logger
}

// NewService creates an identity Service. c may be nil when revocation is off.
func NewService(db *gorm.DB, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *Service {
	cost := sec.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	ttl := sec.JWTTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          c,
		tokens:         NewTokenIssuer(sec.JWTSecret, ttl),
		bcryptCost:     cost,
		revokeOnLogout: sec.RevokeOnLogout && c != nil,
		logger:         logger,
	}
}

// SetClock replaces the time source used for issuing and verifying tokens.
func (s *Service) SetClock(now func() time.Time) {
	s.tokens.now = now
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (in *RegisterInput) normalize() error {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = normalizeEmail(in.Email)

	var missing []string
	if in.Username == "" {
		missing = append(missing, "username")
	}
	if in.Email == "" {
		missing = append(missing, "email")
	}
	if in.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return apperr.Validation("Missing required fields: %s", strings.Join(missing, ", "))
	}
	if utf8.RuneCountInString(in.Username) > maxUsernameLen {
		return apperr.Validation("Username must be at most %d characters", maxUsernameLen)
	}
	if len(in.Email) > maxEmailLen || !strings.Contains(in.Email, "@") {
		return apperr.Validation("Invalid email")
	}
	if len(in.Password) > maxPasswordLen {
		return apperr.Validation("Password must be at most %d bytes", maxPasswordLen)
	}
	return nil
}

// Register creates a user and returns a fresh token for it.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	if taken, err := s.exists(db, "username", in.Username); err != nil {
		return nil, err
	} else if taken {
		return nil, apperr.Conflict("Username already exists")
	}
	if taken, err := s.exists(db, "email", in.Email); err != nil {
		return nil, err
	} else if taken {
		return nil, apperr.Conflict("Email already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &model.User{
		Username:        in.Username,
		Email:           in.Email,
		PasswordHash:    string(hash),
		LastSeenVisible: true,
		Notifications:   true,
	}
	if err := db.Create(user).Error; err != nil {
		// Lost a race with a concurrent registration.
		if dbadapter.IsUniqueViolation(err) {
			return nil, apperr.Conflict("Username or email already exists")
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	token, _, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	s.logger.Info("user registered", zap.Int64("user_id", user.ID))
	return &AuthResult{Token: token, User: user}, nil
}

// Login checks credentials by email.
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperr.Unauthorized("Invalid credentials")
	}

	var user model.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Unauthorized("Invalid credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperr.Unauthorized("Invalid credentials")
	}

	token, _, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &AuthResult{Token: token, User: &user}, nil
}

// Validate verifies token and loads its subject.
func (s *Service) Validate(ctx context.Context, token string) (*model.User, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "Invalid or expired token", err)
	}
	if s.revokeOnLogout && claims.ID != "" {
		revoked, err := s.cache.Exists(ctx, denylistPrefix+claims.ID)
		if err != nil {
			return nil, fmt.Errorf("denylist lookup: %w", err)
		}
		if revoked {
			return nil, apperr.Unauthorized("Token has been revoked")
		}
	}
	user, err := s.GetUser(ctx, claims.UserID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, apperr.Unauthorized("User no longer exists")
	}
	return user, err
}

// Logout revokes token until its expiry when revocation is enabled; otherwise
// it does nothing. Invalid tokens are ignored.
func (s *Service) Logout(ctx context.Context, token string) error {
	if !s.revokeOnLogout || token == "" {
		return nil
	}
	claims, err := s.tokens.Parse(token)
	if err != nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(s.tokens.now())
	if ttl <= 0 {
		return nil
	}
	return s.cache.Set(ctx, denylistPrefix+claims.ID, "1", ttl)
}

// CheckExists reports whether a user with the given username or email exists.
func (s *Service) CheckExists(ctx context.Context, field, value string) (bool, error) {
	value = strings.TrimSpace(value)
	switch field {
	case "username":
	case "email":
		value = normalizeEmail(value)
	default:
		return false, apperr.Validation("Unknown field %q", field)
	}
	if value == "" {
		return false, apperr.Validation("Missing %s", field)
	}
	return s.exists(s.db.WithContext(ctx), field, value)
}

// field is never user supplied.
func (s *Service) exists(db *gorm.DB, field, value string) (bool, error) {
	var n int64
	if err := db.Model(&model.User{}).Where(field+" = ?", value).Count(&n).Error; err != nil {
		return false, fmt.Errorf("count users by %s: %w", field, err)
	}
	return n > 0, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", id, err)
	}
	return &user, nil
}

// UsersByIDs loads users keeping the order of ids; unknown ids are skipped.
func (s *Service) UsersByIDs(ctx context.Context, ids []int64) ([]model.User, error) {
	if len(ids) == 0 {
		return []model.User{}, nil
	}
	var users []model.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	byID := make(map[int64]model.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]model.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// Search finds another user by exact username or email. It returns nil, nil
// when nobody matches.
func (s *Service) Search(ctx context.Context, requesterID int64, query string) (*model.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("Missing query")
	}
	var user model.User
	err := s.db.WithContext(ctx).
		Where("(username = ? OR email = ?) AND id <> ?", query, normalizeEmail(query), requesterID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return &user, nil
}

// ProfileUpdate holds the editable profile fields; nil means unchanged.
type ProfileUpdate struct {
	Username  *string `json:"username"`
	About     *string `json:"about"`
	AvatarURL *string `json:"avatar_url"`
}

// UpdateProfile applies upd to the user and returns the stored result.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, upd ProfileUpdate) (*model.User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	changes := map[string]interface{}{}
	if upd.Username != nil {
		name := strings.TrimSpace(*upd.Username)
		if name == "" {
			return nil, apperr.Validation("Username cannot be empty")
		}
		if utf8.RuneCountInString(name) > maxUsernameLen {
			return nil, apperr.Validation("Username must be at most %d characters", maxUsernameLen)
		}
		if name != user.Username {
			var n int64
			if err := s.db.WithContext(ctx).Model(&model.User{}).
				Where("username = ? AND id <> ?", name, userID).Count(&n).Error; err != nil {
				return nil, fmt.Errorf("check username: %w", err)
			}
			if n > 0 {
				return nil, apperr.Conflict("Username already exists")
			}
			changes["username"] = name
		}
	}
	if upd.About != nil {
		if utf8.RuneCountInString(*upd.About) > maxAboutLen {
			return nil, apperr.Validation("About must be at most %d characters", maxAboutLen)
		}
		changes["about"] = *upd.About
	}
	if upd.AvatarURL != nil {
		changes["avatar_url"] = strings.TrimSpace(*upd.AvatarURL)
	}
	if len(changes) == 0 {
		return user, nil
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(changes).Error; err != nil {
		if dbadapter.IsUniqueViolation(err) {
			return nil, apperr.Conflict("Username already exists")
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// SetAvatar stores url as the avatar and returns the previous one.
func (s *Service) SetAvatar(ctx context.Context, userID int64, url string) (string, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	prev := user.AvatarURL
	if err := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).
		Update("avatar_url", url).Error; err != nil {
		return "", fmt.Errorf("set avatar: %w", err)
	}
	return prev, nil
}

// ClearAvatar removes the avatar and returns the url it had.
func (s *Service) ClearAvatar(ctx context.Context, userID int64) (string, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.AvatarURL == "" {
		return "", apperr.NotFound("No avatar set")
	}
	prev := user.AvatarURL
	if err := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).
		Update("avatar_url", "").Error; err != nil {
		return "", fmt.Errorf("clear avatar: %w", err)
	}
	return prev, nil
}
