package auth

import (
	"context"
	"encoding/json"
	"fmt"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// AuthPort defines the authentication operations other modules use.
type AuthPort interface {
	VerifyToken(ctx context.Context, token string) (*domain.Identity, error)
}

// AuthAdapter implements AuthPort using the service container.
type AuthAdapter struct {
	container mono.ServiceContainer
}

// NewAuthAdapter creates a new AuthAdapter.
func NewAuthAdapter(container mono.ServiceContainer) *AuthAdapter {
	if container == nil {
		panic("auth: ServiceContainer is nil")
	}
	return &AuthAdapter{
		container: container,
	}
}

// VerifyToken verifies an access token. Rejected tokens wrap
// domain.ErrAuthFailed.
func (a *AuthAdapter) VerifyToken(ctx context.Context, token string) (*domain.Identity, error) {
	req := VerifyTokenRequest{Token: token}
	var resp VerifyTokenResponse

	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceVerifyToken,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return nil, fmt.Errorf("%w: %s request failed: %v", domain.ErrOperationFailed, ServiceVerifyToken, err)
	}

	if !resp.Valid {
		return nil, fmt.Errorf("%w: %s", domain.ErrAuthFailed, resp.Error)
	}

	return &domain.Identity{
		UserID:   resp.UserID,
		Username: resp.Username,
	}, nil
}
