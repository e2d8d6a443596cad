package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// AuthModule verifies chat access tokens.
type AuthModule struct {
	config JWTConfig
	jwt    *JWTManager
}

// Compile-time interface checks.
var _ mono.Module = (*AuthModule)(nil)
var _ mono.ServiceProviderModule = (*AuthModule)(nil)
var _ mono.HealthCheckableModule = (*AuthModule)(nil)

// NewModule creates a new AuthModule.
func NewModule(config JWTConfig) *AuthModule {
	return &AuthModule{
		config: config,
		jwt:    NewJWTManager(config),
	}
}

// Name returns the module name.
func (m *AuthModule) Name() string {
	return "auth"
}

// Start initializes the auth module.
func (m *AuthModule) Start(_ context.Context) error {
	if m.config.SecretKey == "" {
		return errors.New("auth: JWT secret key is empty")
	}
	if m.config.SecretKey == DefaultJWTConfig().SecretKey {
		log.Println("[auth] Warning: using the default JWT secret; set JWT_SECRET_KEY")
	}
	log.Printf("[auth] Module started (issuer: %s)", m.config.Issuer)
	return nil
}

// Stop shuts down the module.
func (m *AuthModule) Stop(_ context.Context) error {
	log.Println("[auth] Module stopped")
	return nil
}

// Health returns the health status of the module.
func (m *AuthModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: m.jwt != nil,
		Message: "operational",
		Details: map[string]any{
			"issuer": m.config.Issuer,
		},
	}
}

// JWT exposes the token manager.
func (m *AuthModule) JWT() *JWTManager {
	return m.jwt
}

// RegisterServices registers request-reply services in the service container.
func (m *AuthModule) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container,
		ServiceVerifyToken,
		json.Unmarshal,
		json.Marshal,
		m.handleVerifyToken,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceVerifyToken, err)
	}

	log.Printf("[auth] Registered services: %s", ServiceVerifyToken)
	return nil
}

// handleVerifyToken handles token verification.
func (m *AuthModule) handleVerifyToken(_ context.Context, req VerifyTokenRequest, _ *mono.Msg) (VerifyTokenResponse, error) {
	claims, err := m.jwt.ValidateAccessToken(req.Token)
	if err != nil {
		errMsg := "invalid token"
		if errors.Is(err, ErrExpiredToken) {
			errMsg = "token expired"
		}
		return VerifyTokenResponse{
			Valid: false,
			Error: errMsg,
		}, nil // Validation failures are responses, not transport errors.
	}

	return VerifyTokenResponse{
		Valid:    true,
		UserID:   claims.UserID,
		Username: claims.Username,
	}, nil
}
