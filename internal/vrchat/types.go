package vrchat

import "fmt"

// MethodEmailOTP is the requiresTwoFactorAuth entry for emailed codes. Any
// other method is answered with an authenticator code.
const MethodEmailOTP = "emailOtp"

// CurrentUser is the subset of the authenticated user we use.
type CurrentUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Username    string `json:"username,omitempty"`
}

// AuthResponse is the outcome of GET /auth/user: either a user or a
// two-factor challenge listing accepted methods.
type AuthResponse struct {
	User      *CurrentUser
	TwoFactor []string
}

func (r AuthResponse) RequiresTwoFactor() bool { return len(r.TwoFactor) > 0 }

// EmailChallenge reports whether the server asked for an emailed code.
func (r AuthResponse) EmailChallenge() bool {
	for _, m := range r.TwoFactor {
		if m == MethodEmailOTP {
			return true
		}
	}
	return false
}

// LimitedUser is one friend entry from /auth/user/friends.
type LimitedUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status"`
	Location    string `json:"location"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("vrchat api: http %d", e.StatusCode)
	}
	return fmt.Sprintf("vrchat api: %s (http %d)", e.Message, e.StatusCode)
}

type errorBody struct {
	Error struct {
		Message    string `json:"message"`
		StatusCode int    `json:"status_code"`
	} `json:"error"`
}

type authUserBody struct {
	CurrentUser
	RequiresTwoFactorAuth []string `json:"requiresTwoFactorAuth"`
}

type verifyBody struct {
	Verified bool `json:"verified"`
}
