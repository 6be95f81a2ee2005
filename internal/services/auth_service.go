package services

import (
	"context"
	"errors"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/config"
	"wa_gateway/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type AuthService struct {
	db     *gorm.DB
	secret []byte
	expiry time.Duration
	defs   config.QuotaProfile
	trial  config.TrialProfile
	now    func() time.Time
}

type JWTClaims struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// SignupRequest represents a signup request
type SignupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"omitempty,max=100"`
	Email    string `json:"email" validate:"omitempty,email,max=100"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// UpdateProfileRequest carries optional profile changes. A new password
// requires the current one.
type UpdateProfileRequest struct {
	Name            *string `json:"name" validate:"omitempty,max=100"`
	Email           *string `json:"email" validate:"omitempty,email,max=100"`
	Username        *string `json:"username" validate:"omitempty,min=3,max=50"`
	CurrentPassword string  `json:"currentPassword"`
	NewPassword     string  `json:"newPassword" validate:"omitempty,min=6"`
}

func NewAuthService(db *gorm.DB, cfg *config.Config) *AuthService {
	return &AuthService{
		db:     db,
		secret: []byte(cfg.JWTSecret),
		expiry: cfg.JWTExpiry,
		defs:   cfg.DefaultQuota,
		trial:  cfg.TrialQuota,
		now:    time.Now,
	}
}

// Signup creates an account. The very first account becomes a verified
// admin with the default quota profile; later accounts are unverified
// clients on the trial profile.
func (as *AuthService) Signup(ctx context.Context, req SignupRequest) (*models.Account, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	acct := &models.Account{
		Username:     req.Username,
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hashed),
	}

	err = as.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.Account{}).Where("username = ?", req.Username).Count(&existing).Error; err != nil {
			return apperr.Storage("auth.Signup", err)
		}
		if existing > 0 {
			return apperr.Conflict("auth.Signup", "Username already exists")
		}

		var total int64
		if err := tx.Model(&models.Account{}).Count(&total).Error; err != nil {
			return apperr.Storage("auth.Signup", err)
		}
		if total == 0 {
			acct.Role = models.RoleAdmin
			acct.IsVerified = true
			acct.ApplyProfile(models.QuotaProfile{
				DeviceLimit:         as.defs.DeviceLimit,
				MessageQuotaDaily:   as.defs.MessageQuotaDaily,
				MessageQuotaMonthly: as.defs.MessageQuotaMonthly,
				StorageLimitMB:      as.defs.StorageLimitMB,
			})
		} else {
			expiry := as.now().AddDate(0, 0, as.trial.Days)
			acct.Role = models.RoleClient
			acct.ApplyProfile(models.QuotaProfile{
				DeviceLimit:         as.trial.DeviceLimit,
				MessageQuotaDaily:   as.trial.MessageQuotaDaily,
				MessageQuotaMonthly: as.trial.MessageQuotaMonthly,
				StorageLimitMB:      as.trial.StorageLimitMB,
				AccountExpiry:       &expiry,
			})
		}

		if err := tx.Create(acct).Error; err != nil {
			return apperr.Storage("auth.Signup", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Login authenticates an account and returns a signed token. Unknown
// usernames and wrong passwords produce the same error.
func (as *AuthService) Login(ctx context.Context, req LoginRequest) (string, *models.Account, error) {
	var acct models.Account
	err := as.db.WithContext(ctx).Where("username = ?", req.Username).Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, apperr.Unauthorized("auth.Login", "Invalid username or password")
	}
	if err != nil {
		return "", nil, apperr.Storage("auth.Login", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)); err != nil {
		return "", nil, apperr.Unauthorized("auth.Login", "Invalid username or password")
	}

	if !acct.IsVerified {
		return "", nil, apperr.Forbidden("auth.Login", "Account pending verification")
	}

	token, err := as.generateJWT(&acct)
	if err != nil {
		return "", nil, err
	}
	return token, &acct, nil
}

// UpdateProfile applies the non-nil fields of req.
func (as *AuthService) UpdateProfile(ctx context.Context, accountID uint, req UpdateProfileRequest) (*models.Account, error) {
	acct, err := as.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Email != nil {
		updates["email"] = *req.Email
	}
	if req.Username != nil && *req.Username != acct.Username {
		var n int64
		if err := as.db.WithContext(ctx).Model(&models.Account{}).
			Where("username = ? AND id <> ?", *req.Username, accountID).Count(&n).Error; err != nil {
			return nil, apperr.Storage("auth.UpdateProfile", err)
		}
		if n > 0 {
			return nil, apperr.Conflict("auth.UpdateProfile", "Username already exists")
		}
		updates["username"] = *req.Username
	}
	if req.NewPassword != "" {
		if req.CurrentPassword == "" {
			return nil, apperr.Validation("auth.UpdateProfile", "Current password is required to set a new password")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.CurrentPassword)); err != nil {
			return nil, apperr.Unauthorized("auth.UpdateProfile", "Current password is incorrect")
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		updates["password_hash"] = string(hashed)
	}
	if len(updates) == 0 {
		return nil, apperr.Validation("auth.UpdateProfile", "Nothing to update")
	}

	if err := as.db.WithContext(ctx).Model(acct).Updates(updates).Error; err != nil {
		return nil, apperr.Storage("auth.UpdateProfile", err)
	}
	return as.GetAccount(ctx, accountID)
}

// generateJWT creates a JWT token for the account
func (as *AuthService) generateJWT(acct *models.Account) (string, error) {
	now := as.now()
	claims := JWTClaims{
		UserID:   acct.ID,
		Username: acct.Username,
		Role:     acct.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(as.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(as.secret)
}

// ValidateToken validates JWT token and returns account claims
func (as *AuthService) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return as.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, apperr.Unauthorized("auth.ValidateToken", "Invalid or expired token")
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, apperr.Unauthorized("auth.ValidateToken", "Invalid or expired token")
}

// GetAccount retrieves an account by ID
func (as *AuthService) GetAccount(ctx context.Context, accountID uint) (*models.Account, error) {
	var acct models.Account
	err := as.db.WithContext(ctx).First(&acct, accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("auth.GetAccount", "User not found")
	}
	if err != nil {
		return nil, apperr.Storage("auth.GetAccount", err)
	}
	return &acct, nil
}
