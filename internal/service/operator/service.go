package operator

import (
	"context"
	"errors"
	"strings"
	"time"

	"round-engine/internal/config"
	"round-engine/internal/model"
	pkgAuth "round-engine/pkg/auth"
	appErr "round-engine/pkg/errors"
	"round-engine/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

type Service struct {
	db *gorm.DB
}

type LoginResult struct {
	Token    string       `json:"token"`
	ExpireAt time.Time    `json:"expireAt"`
	Operator OperatorInfo `json:"operator"`
}

type OperatorInfo struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Status      string     `json:"status"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Login checks the password and issues an operator-scoped token. Unknown
// usernames and wrong passwords return the same error.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, appErr.ErrInvalidCredentials
	}

	var op model.Operator
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErr.ErrInvalidCredentials
		}
		return nil, appErr.Transient(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, appErr.ErrInvalidCredentials
	}
	if !strings.EqualFold(op.Status, StatusActive) {
		return nil, appErr.ErrOperatorDisabled
	}

	token, err := pkgAuth.GenerateOperatorToken(op.ID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	expireAt := now.Add(time.Duration(config.GlobalConfig.JWT.Expire) * time.Hour)

	if err := s.db.WithContext(ctx).
		Model(&op).
		Updates(map[string]interface{}{
			"last_login_at": now,
			"updated_at":    now,
		}).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	op.LastLoginAt = &now

	logger.Log.Info("operator logged in", zap.Int64("operatorID", op.ID))
	return &LoginResult{
		Token:    token,
		ExpireAt: expireAt,
		Operator: sanitize(op),
	}, nil
}

func (s *Service) Create(ctx context.Context, username, password, displayName string) (*OperatorInfo, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(password) < 8 {
		return nil, appErr.ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = username
	}
	op := model.Operator{
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		Status:       StatusActive,
	}
	if err := s.db.WithContext(ctx).Create(&op).Error; err != nil {
		return nil, appErr.Transient(err)
	}
	info := sanitize(op)
	return &info, nil
}

func (s *Service) SetStatus(ctx context.Context, operatorID int64, status string) error {
	if status != StatusActive && status != StatusDisabled {
		return appErr.ErrInvalidCredentials
	}
	res := s.db.WithContext(ctx).
		Model(&model.Operator{}).
		Where("id = ?", operatorID).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return appErr.Transient(res.Error)
	}
	if res.RowsAffected == 0 {
		return appErr.ErrUnauthorized
	}
	return nil
}

// EnsureDefaultOperator creates the configured bootstrap account once.
func (s *Service) EnsureDefaultOperator(ctx context.Context) error {
	seed := config.GlobalConfig.Operators
	if seed.DefaultUsername == "" || seed.DefaultPassword == "" {
		logger.Log.Warn("default operator credentials not configured; skipping bootstrap")
		return nil
	}

	var exists int64
	if err := s.db.WithContext(ctx).
		Model(&model.Operator{}).
		Where("username = ?", seed.DefaultUsername).
		Count(&exists).Error; err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	if _, err := s.Create(ctx, seed.DefaultUsername, seed.DefaultPassword, ""); err != nil {
		return err
	}
	logger.Log.Info("default operator account created",
		zap.String("username", seed.DefaultUsername))
	return nil
}

func sanitize(op model.Operator) OperatorInfo {
	return OperatorInfo{
		ID:          op.ID,
		Username:    op.Username,
		DisplayName: op.DisplayName,
		Status:      op.Status,
		LastLoginAt: op.LastLoginAt,
		CreatedAt:   op.CreatedAt,
	}
}
