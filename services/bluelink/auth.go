package bluelink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// AuthHandler manages the Bluelink access token for one account.
type AuthHandler struct {
	client     *http.Client
	apiBaseURL string
	creds      Credentials

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	tokenExpiry  time.Time
}

// NewAuthHandler creates a new authentication handler.
func NewAuthHandler(client *http.Client, apiBaseURL string, creds Credentials) *AuthHandler {
	return &AuthHandler{
		client:     client,
		apiBaseURL: apiBaseURL,
		creds:      creds,
	}
}

// GetAccessToken returns a valid access token, refreshing or re-logging-in
// when the cached one is near expiry (5-minute buffer).
func (ah *AuthHandler) GetAccessToken() (string, error) {
	ah.mu.RLock()
	token := ah.accessToken
	refresh := ah.refreshToken
	expiry := ah.tokenExpiry
	ah.mu.RUnlock()

	if token != "" && time.Now().Add(5*time.Minute).Before(expiry) {
		return token, nil
	}

	if refresh != "" {
		if newToken, err := ah.grantToken("refresh_token", refresh); err == nil {
			return newToken, nil
		}
		// A dead refresh token falls back to a password login.
	}

	return ah.grantToken("password", "")
}

// Invalidate drops the cached token so the next call performs a full login.
func (ah *AuthHandler) Invalidate() {
	ah.mu.Lock()
	ah.accessToken = ""
	ah.refreshToken = ""
	ah.tokenExpiry = time.Time{}
	ah.mu.Unlock()
}

func (ah *AuthHandler) grantToken(grantType, refreshToken string) (string, error) {
	authURL := fmt.Sprintf("%s/v2/ac/oa/auth/token", ah.apiBaseURL)

	formData := url.Values{}
	formData.Set("grant_type", grantType)
	if grantType == "refresh_token" {
		formData.Set("refresh_token", refreshToken)
	} else {
		formData.Set("username", ah.creds.Username)
		formData.Set("password", ah.creds.Password)
	}

	req, err := http.NewRequest("POST", authURL, bytes.NewBufferString(formData.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %v", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := ah.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &APIError{
			Type:       ErrAuth,
			Message:    fmt.Sprintf("auth failed with status %d: %s", resp.StatusCode, string(body)),
			StatusCode: resp.StatusCode,
		}
	}

	var authResp AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %v", err)
	}

	ah.mu.Lock()
	ah.accessToken = authResp.AccessToken
	ah.refreshToken = authResp.RefreshToken
	ah.tokenExpiry = time.Now().Add(time.Duration(authResp.ExpiresIn) * time.Second)
	ah.mu.Unlock()

	log.Printf("Bluelink: Obtained new access token (expires in %d seconds)", authResp.ExpiresIn)

	return authResp.AccessToken, nil
}
