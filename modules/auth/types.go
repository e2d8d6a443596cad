package auth

// ServiceVerifyToken is the request-reply service that verifies access tokens.
const ServiceVerifyToken = "verify-token"

// VerifyTokenRequest represents a token verification request.
type VerifyTokenRequest struct {
	Token string `json:"token"`
}

// VerifyTokenResponse represents a token verification response.
type VerifyTokenResponse struct {
	Valid    bool   `json:"valid"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error,omitempty"`
}
