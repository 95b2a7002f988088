package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"

	"council/internal/models"
	"council/internal/repository"
)

var (
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type AuthService interface {
	Register(email, password string) (*models.User, string, time.Time, error)
	Login(email, password string) (string, time.Time, error)
	Secret() []byte
}

type authService struct {
	repo      repository.AuthRepository
	secret    []byte
	tokenTTL  time.Duration
	onSignup  func(email string)
	logger    *zap.Logger
}

// NewAuthService creates the auth service. onSignup may be nil; when set
// it is invoked after each successful registration (admin notification).
func NewAuthService(repo repository.AuthRepository, secret string, tokenTTL time.Duration, onSignup func(email string), logger *zap.Logger) AuthService {
	return &authService{
		repo:     repo,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		onSignup: onSignup,
		logger:   logger,
	}
}

func (s *authService) Secret() []byte {
	return s.secret
}

func (s *authService) Register(email, password string) (*models.User, string, time.Time, error) {
	if _, err := s.repo.GetUserByEmail(email); err == nil {
		return nil, "", time.Time{}, ErrUserAlreadyExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error("Failed to check existing user", zap.Error(err))
		return nil, "", time.Time{}, fmt.Errorf("failed to check existing users: %w", err)
	}

	passwordHash, err := s.hashPassword(password)
	if err != nil {
		s.logger.Error("Failed to hash password", zap.Error(err))
		return nil, "", time.Time{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
	}
	if err := s.repo.CreateUser(user); err != nil {
		s.logger.Error("Failed to create user", zap.Error(err))
		return nil, "", time.Time{}, fmt.Errorf("failed to create user: %w", err)
	}

	token, expiresAt, err := s.issueToken(user)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	if s.onSignup != nil {
		s.onSignup(user.Email)
	}
	s.logger.Info("User registered", zap.String("user_id", user.ID))

	return user, token, expiresAt, nil
}

func (s *authService) Login(email, password string) (string, time.Time, error) {
	user, err := s.repo.GetUserByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", time.Time{}, ErrInvalidCredentials
		}
		s.logger.Error("Failed to get user by email", zap.Error(err))
		return "", time.Time{}, fmt.Errorf("failed to retrieve user: %w", err)
	}

	if !s.verifyPassword(user.PasswordHash, password) {
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expiresAt, err := s.issueToken(user)
	if err != nil {
		return "", time.Time{}, err
	}

	s.logger.Info("User logged in", zap.String("user_id", user.ID))
	return token, expiresAt, nil
}

func (s *authService) issueToken(user *models.User) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.tokenTTL)
	claims := &models.Claims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		s.logger.Error("Failed to generate JWT token", zap.Error(err))
		return "", time.Time{}, fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// hashPassword uses Argon2id, storing salt and parameters with the hash:
// $argon2id$v=19$m=65536,t=1,p=4$BASE64_SALT$BASE64_HASH
func (s *authService) hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)

	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedHash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s", argon2.Version, 64*1024, 1, 4, encodedSalt, encodedHash), nil
}

func (s *authService) verifyPassword(hashedPassword, password string) bool {
	var version int
	var m, t uint32
	var p uint8
	var encodedSalt, encodedHash string

	n, err := fmt.Sscanf(hashedPassword, "$argon2id$v=%d$m=%d,t=%d,p=%d$%s", &version, &m, &t, &p, &encodedSalt)
	if err != nil || n != 5 {
		s.logger.Error("Invalid password hash format")
		return false
	}
	// Sscanf's %s is greedy; split salt and hash back apart.
	for i := 0; i < len(encodedSalt); i++ {
		if encodedSalt[i] == '$' {
			encodedHash = encodedSalt[i+1:]
			encodedSalt = encodedSalt[:i]
			break
		}
	}
	if encodedHash == "" {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(encodedSalt)
	if err != nil {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(encodedHash)
	if err != nil {
		return false
	}

	comparison := argon2.IDKey([]byte(password), salt, t, m, p, uint32(len(hash)))
	return subtle.ConstantTimeCompare(comparison, hash) == 1
}
