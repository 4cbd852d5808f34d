package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-password/password"

	"yhmv/internal/apperrors"
	"yhmv/models"
)

const (
	DefaultBaseURL = "https://plex.tv"

	// resources is served by the legacy endpoint; it answers with XML unless
	// the account has been migrated, so callers must accept both formats.
	resourcesPath = "/api/resources?includeHttps=1"
)

// Identity is the client identification attached to every request.
type Identity struct {
	ClientID string
	Product  string
	Version  string
	Platform string
	Device   string
}

// Client handles directory (plex.tv) API interactions: PIN pairing, account
// lookup and the server resource list.
type Client struct {
	httpClient *http.Client
	baseURL    string
	identity   Identity
}

// PINResponse is the directory pin payload.
type PINResponse struct {
	ID        int       `json:"id"`
	Code      string    `json:"code"`
	AuthToken string    `json:"authToken,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Trusted   bool      `json:"trusted,omitempty"`
	ClientID  string    `json:"clientIdentifier,omitempty"`
}

// UserInfo represents basic account information
type UserInfo struct {
	ID       int    `json:"id"`
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Title    string `json:"title"`
	Email    string `json:"email"`
	Thumb    string `json:"thumb"`
}

// ResourcesResponse is the raw resource list; discovery picks a decoder
// based on ContentType and the body itself.
type ResourcesResponse struct {
	Body        []byte
	ContentType string
}

// NewClient creates a new directory API client. A nil httpClient gets a
// client with a 30 second timeout.
func NewClient(baseURL string, identity Identity, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		identity:   identity,
	}
}

// Headers returns the client identification header set.
func (id Identity) Headers() http.Header {
	h := http.Header{}
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set("X-Plex-Client-Identifier", id.ClientID)
	set("X-Plex-Product", id.Product)
	set("X-Plex-Version", id.Version)
	set("X-Plex-Platform", id.Platform)
	set("X-Plex-Device", id.Device)
	return h
}

// setPlexHeaders applies the device identification headers.
func (c *Client) setPlexHeaders(req *http.Request) {
	for k, v := range c.identity.Headers() {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plex api request: %w", err)
	}
	return resp, nil
}

// CreatePIN creates a new PIN for device pairing
func (c *Client) CreatePIN(ctx context.Context) (*PINResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/pins", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setPlexHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("plex pin creation failed: %s - %s", resp.Status, string(body))
	}

	var pin PINResponse
	if err := json.NewDecoder(resp.Body).Decode(&pin); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if pin.ID == 0 || pin.Code == "" {
		return nil, fmt.Errorf("plex pin creation failed: invalid response format")
	}

	return &pin, nil
}

// CheckPIN checks the status of a PIN. AuthToken is empty until the user
// has approved the code.
func (c *Client) CheckPIN(ctx context.Context, pinID int) (*PINResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v2/pins/%d", c.baseURL, pinID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setPlexHeaders(req)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("plex pin check failed: %s - %s", resp.Status, string(body))
	}

	var pin PINResponse
	if err := json.NewDecoder(resp.Body).Decode(&pin); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &pin, nil
}

// ActivationURL returns the page where the user enters the PIN code.
func (c *Client) ActivationURL(code string) string {
	return c.baseURL + "/link/?pin=" + url.QueryEscape(code)
}

// GetUserInfo retrieves the account behind authToken. The avatar is taken
// from /api/v2/home/user when /api/v2/user doesn't carry one. A rejected
// token yields an auth-kind apperrors.Error.
func (c *Client) GetUserInfo(ctx context.Context, authToken string) (*UserInfo, error) {
	var user UserInfo
	if err := c.getJSON(ctx, "/api/v2/user", authToken, &user); err != nil {
		return nil, err
	}

	if user.Thumb == "" {
		var home UserInfo
		if err := c.getJSON(ctx, "/api/v2/home/user", authToken, &home); err == nil {
			user.Thumb = home.Thumb
		}
	}

	return &user, nil
}

func (c *Client) getJSON(ctx context.Context, path, authToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	c.setPlexHeaders(req)
	req.Header.Set("X-Plex-Token", authToken)

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperrors.Auth("plex token rejected", fmt.Errorf("%s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("plex %s failed: %s - %s", path, resp.Status, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FetchResources retrieves the raw resource list for the account.
func (c *Client) FetchResources(ctx context.Context, authToken string) (*ResourcesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+resourcesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setPlexHeaders(req)
	req.Header.Set("X-Plex-Token", authToken)
	q := req.URL.Query()
	q.Set("X-Plex-Token", authToken)
	req.URL.RawQuery = q.Encode()

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read resources: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.FromStatus(resp.StatusCode, c.baseURL+"/api/resources", string(body))
	}

	return &ResourcesResponse{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

// ToIdentity converts the directory account to the model type.
func (u *UserInfo) ToIdentity() models.AccountIdentity {
	return models.AccountIdentity{
		ID:       u.ID,
		UUID:     u.UUID,
		Username: u.Username,
		Title:    u.Title,
		Email:    u.Email,
		Thumb:    u.Thumb,
	}
}

// GenerateClientID generates a new unique client identifier of the form
// yhmv-<platform>-<unixMillis>-<random8>.
func GenerateClientID(platform string) (string, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	if platform == "" {
		platform = "unknown"
	}
	suffix, err := password.Generate(8, 3, 0, true, true)
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return "yhmv-" + platform + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + suffix, nil
}
