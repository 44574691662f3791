package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	deviceTokenURL = "https://my.remarkable.com/token/json/2/device/new"
	userTokenURL   = "https://my.remarkable.com/token/json/2/user/new"
	deviceDesc     = "desktop-linux"
)

// TokenStore is the narrow persistence interface Auth depends on. The
// config package's Store satisfies it; tests can supply an in-memory
// fake.
type TokenStore interface {
	GetDeviceToken() string
	GetUserToken() string
	SetDeviceToken(token string) error
	SetUserToken(token string) error
}

// Auth holds the two-token lifecycle: a long-lived device token obtained
// once via RegisterDevice, and a short-lived user token renewed once per
// session via RenewToken.
type Auth struct {
	store      TokenStore
	httpClient *http.Client
}

// NewAuth wraps a TokenStore with the token lifecycle operations.
func NewAuth(store TokenStore, httpClient *http.Client) *Auth {
	return &Auth{store: store, httpClient: httpClient}
}

// DeviceToken returns the currently stored device token.
func (a *Auth) DeviceToken() string { return a.store.GetDeviceToken() }

// UserToken returns the currently stored user token.
func (a *Auth) UserToken() string { return a.store.GetUserToken() }

// RegisterDevice exchanges a one-time user code (obtained out of band at
// the provider's device-pairing page) for a long-lived device token.
func (a *Auth) RegisterDevice(ctx context.Context, code string) error {
	body := map[string]string{
		"code":       code,
		"deviceDesc": deviceDesc,
		"deviceID":   uuid.NewString(),
	}
	payload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceTokenURL, bytes.NewReader(payload))
	if err != nil {
		return &AuthError{Op: "register_device", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &AuthError{Op: "register_device", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Msg("device registration failed")
		return &AuthError{Op: "register_device", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	token := string(respBody)
	if err := a.store.SetDeviceToken(token); err != nil {
		return &AuthError{Op: "register_device", Err: err}
	}
	log.Info().Msg("device registered")
	return nil
}

// RenewToken exchanges the device token for a fresh short-lived user
// token. Must be called once at the start of each session.
func (a *Auth) RenewToken(ctx context.Context) error {
	deviceToken := a.store.GetDeviceToken()
	if deviceToken == "" {
		return &AuthError{Op: "renew_token", Err: fmt.Errorf("no device token, register a device first")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, userTokenURL, nil)
	if err != nil {
		return &AuthError{Op: "renew_token", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+deviceToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &AuthError{Op: "renew_token", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		log.Error().Int("status", resp.StatusCode).Msg("token renewal failed")
		return &AuthError{Op: "renew_token", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	if err := a.store.SetUserToken(string(respBody)); err != nil {
		return &AuthError{Op: "renew_token", Err: err}
	}
	log.Debug().Msg("user token renewed")
	return nil
}
