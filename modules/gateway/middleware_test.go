package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/gofiber/fiber/v2"
)

// stubAuthPort implements auth.AuthPort with an overridable function.
type stubAuthPort struct {
	verifyFunc func(ctx context.Context, token string) (*domain.Identity, error)
}

func (s *stubAuthPort) VerifyToken(ctx context.Context, token string) (*domain.Identity, error) {
	if s.verifyFunc != nil {
		return s.verifyFunc(ctx, token)
	}
	return nil, errors.New("not implemented")
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		authHeader     string
		mockAuth       *stubAuthPort
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "missing authorization header",
			authHeader:     "",
			mockAuth:       &stubAuthPort{},
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `"Authorization header is required"`,
		},
		{
			name:           "invalid authorization format - no bearer",
			authHeader:     "Basic token123",
			mockAuth:       &stubAuthPort{},
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `Invalid authorization header format`,
		},
		{
			name:           "bearer without token",
			authHeader:     "Bearer ",
			mockAuth:       &stubAuthPort{},
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `unauthorized`,
		},
		{
			name:       "invalid token",
			authHeader: "Bearer invalid-token",
			mockAuth: &stubAuthPort{
				verifyFunc: func(ctx context.Context, token string) (*domain.Identity, error) {
					return nil, domain.ErrAuthFailed
				},
			},
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `"Invalid or expired token"`,
		},
		{
			name:       "valid token",
			authHeader: "Bearer valid-token",
			mockAuth: &stubAuthPort{
				verifyFunc: func(ctx context.Context, token string) (*domain.Identity, error) {
					return &domain.Identity{UserID: "user-123", Username: "alice"}, nil
				},
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"authenticated"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Use(AuthMiddleware(tt.mockAuth))
			app.Get("/test", func(c *fiber.Ctx) error {
				return c.JSON(fiber.Map{"status": "authenticated"})
			})

			req := httptest.NewRequest("GET", "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("status = %v, want %v", resp.StatusCode, tt.expectedStatus)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("io.ReadAll() error = %v", err)
			}
			if tt.expectedBody != "" && !strings.Contains(string(body), tt.expectedBody) {
				t.Errorf("body = %v, want to contain %v", string(body), tt.expectedBody)
			}
		})
	}
}

func TestAuthMiddleware_StoresIdentity(t *testing.T) {
	mockAuth := &stubAuthPort{
		verifyFunc: func(ctx context.Context, token string) (*domain.Identity, error) {
			return &domain.Identity{UserID: "user-456", Username: "bob"}, nil
		},
	}

	app := fiber.New()
	app.Use(AuthMiddleware(mockAuth))

	var captured *domain.Identity
	app.Get("/test", func(c *fiber.Ctx) error {
		captured = currentUser(c)
		return c.JSON(fiber.Map{"status": "ok"})
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer valid-token")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %v, want %v", resp.StatusCode, http.StatusOK)
	}
	if captured == nil {
		t.Fatal("identity not set in context")
	}
	if captured.UserID != "user-456" || captured.Username != "bob" {
		t.Errorf("identity = %+v", captured)
	}
}
