package withings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Withings v2 envelope status codes. Status 0 is success; everything else is
// a provider-level rejection carried inside an HTTP 200.
const (
	statusOK          = 0
	statusAuthFailed  = 401
	statusRateLimited = 601
)

// flexibleID decodes a provider user id that arrives either as a JSON
// number or a string, depending on the endpoint.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexibleID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexibleID(s)
	return nil
}

// TokenResponse is the body of a successful requesttoken call.
type TokenResponse struct {
	ProviderUserID flexibleID `json:"userid"`
	AccessToken    string     `json:"access_token"`
	RefreshToken   string     `json:"refresh_token"`
	ExpiresIn      int        `json:"expires_in"`
	Scope          string     `json:"scope"`
}

// Measure is one encoded value inside a group: value * 10^unit.
type Measure struct {
	Value int64 `json:"value"`
	Type  int   `json:"type"`
	Unit  int   `json:"unit"`
}

// MeasureGroup is the provider-side bundle of co-timed measures. GroupID is
// the provider-assigned id used as the idempotency key downstream.
type MeasureGroup struct {
	GroupID  int64     `json:"grpid"`
	Date     int64     `json:"date"`
	DeviceID string    `json:"deviceid"`
	Model    string    `json:"model"`
	Measures []Measure `json:"measures"`
}

type envelope struct {
	Status int             `json:"status"`
	Error  string          `json:"error"`
	Body   json.RawMessage `json:"body"`
}

type measureBody struct {
	MeasureGroups []MeasureGroup `json:"measuregrps"`
}

// Client is the stateless HTTP adapter for the Withings cloud. It reports
// transport and 5xx failures as ErrProviderUnavailable, envelope status 601
// as ErrRateLimited and auth failures as a token rejection; everything else
// non-zero is ErrProvider.
type Client struct {
	cfg  ProviderConfig
	http *http.Client
}

func NewClient(cfg ProviderConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Exchange performs the authorization_code grant.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("action", "requesttoken")
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURL)
	return c.token(ctx, form)
}

// Refresh performs the refresh_token grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("action", "requesttoken")
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)
	return c.token(ctx, form)
}

func (c *Client) token(ctx context.Context, form url.Values) (*TokenResponse, error) {
	raw, err := c.post(ctx, c.cfg.TokenURL, "", form)
	if err != nil {
		return nil, err
	}
	var tok TokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("%w: decode token body: %v", ErrProvider, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token", ErrProvider)
	}
	return &tok, nil
}

// Measurements queries measure groups captured inside [since, until].
func (c *Client) Measurements(ctx context.Context, accessToken string, since, until time.Time) ([]MeasureGroup, error) {
	form := url.Values{}
	form.Set("action", "getmeas")
	form.Set("category", "1")
	form.Set("startdate", strconv.FormatInt(since.Unix(), 10))
	form.Set("enddate", strconv.FormatInt(until.Unix(), 10))

	raw, err := c.post(ctx, c.cfg.MeasureURL, accessToken, form)
	if err != nil {
		return nil, err
	}
	var body measureBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: decode measure body: %v", ErrProvider, err)
	}
	return body.MeasureGroups, nil
}

func (c *Client) post(ctx context.Context, endpoint, accessToken string, form url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: http %d", ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrProvider, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrProvider, err)
	}

	switch env.Status {
	case statusOK:
		return env.Body, nil
	case statusRateLimited:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRateLimited, env.Status, env.Error)
	case statusAuthFailed:
		return nil, fmt.Errorf("%w: status %d: %s", errTokenRejected, env.Status, env.Error)
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrProvider, env.Status, env.Error)
	}
}
