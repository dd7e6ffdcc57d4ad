package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/talowa/referral-backend/internal/config"
	"github.com/talowa/referral-backend/internal/dto"
	"github.com/talowa/referral-backend/internal/models"
	"github.com/talowa/referral-backend/internal/roles"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// AuthService handles the registration entry point of the referral flow:
// a new user gets their own unique code, and may redeem someone else's in
// the same request.
type AuthService struct {
	db        *gorm.DB
	cfg       *config.Config
	codes     *CodeService
	referrals *ReferralService
	ladder    *roles.Ladder
}

func NewAuthService(db *gorm.DB, cfg *config.Config, codes *CodeService, referrals *ReferralService, ladder *roles.Ladder) *AuthService {
	return &AuthService{
		db:        db,
		cfg:       cfg,
		codes:     codes,
		referrals: referrals,
		ladder:    ladder,
	}
}

// Register creates the user, issues their referral code, and redeems the
// supplied code if any. An invalid or self-owned code does not fail
// registration: the account is created unattributed and the response says
// why (product policy; the orphan sweep roots such users later).
func (s *AuthService) Register(req *dto.RegisterRequest) (*dto.AuthResponse, error) {
	if len(req.Email) == 0 || len(req.Password) < 8 {
		return nil, errors.New("email required and password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:             uuid.New(),
		Email:          req.Email,
		Name:           req.Name,
		Password:       string(hash),
		ReferralStatus: models.ReferralStatusNone,
		CurrentRole:    s.ladder.BaseRole(),
	}
	// The email unique index decides duplicates; no pre-check, so two racing
	// registrations cannot both slip through a read-then-write gap. Issuing
	// the code inside the same transaction means the loser's code
	// reservation rolls back with its user row.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		code, err := s.codes.GenerateUniqueCodeTx(tx, user.ID)
		if err != nil {
			return err
		}
		user.ReferralCode = code
		if err := tx.Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrEmailTaken
			}
			return fmt.Errorf("failed to create user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp := dto.AuthResponse{
		User: dto.UserResponse{
			ID:           user.ID,
			Email:        user.Email,
			Name:         user.Name,
			ReferralCode: user.ReferralCode,
			CurrentRole:  user.CurrentRole,
		},
	}

	if req.ReferralCode != "" {
		switch err := s.referrals.RecordReferralRelationship(user.ID, req.ReferralCode); {
		case err == nil:
			resp.ReferralAttributed = true
		case errors.Is(err, ErrInvalidReferralCode), errors.Is(err, ErrSelfReferral):
			resp.ReferralNote = err.Error()
		default:
			return nil, err
		}
	}

	token, err := s.generateAccessToken(&user)
	if err != nil {
		return nil, err
	}
	resp.AccessToken = token
	return &resp, nil
}

func (s *AuthService) Login(req *dto.LoginRequest) (*dto.AuthResponse, error) {
	var user models.User
	if err := s.db.Where("email = ?", req.Email).First(&user).Error; err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.generateAccessToken(&user)
	if err != nil {
		return nil, err
	}

	return &dto.AuthResponse{
		AccessToken: token,
		User: dto.UserResponse{
			ID:           user.ID,
			Email:        user.Email,
			Name:         user.Name,
			ReferralCode: user.ReferralCode,
			CurrentRole:  user.CurrentRole,
		},
	}, nil
}

func (s *AuthService) generateAccessToken(user *models.User) (string, error) {
	claims := jwt.MapClaims{
		"sub":   user.ID.String(),
		"email": user.Email,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(s.cfg.JWTAccessExpiry).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}
