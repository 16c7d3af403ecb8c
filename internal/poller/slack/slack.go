// Package slack polls the Slack team.accessLogs Web API for login events and
// enriches them with user emails.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/loginwatch/internal/config"
	"github.com/lvonguyen/loginwatch/internal/event"
	"github.com/lvonguyen/loginwatch/internal/store"
)

const defaultBaseURL = "https://slack.com"

// fields declares where Slack access-log events carry their values. Access
// logs only cover successful authentications, so there is no filter field.
var fields = event.FieldMap{
	Timestamp: "date_last",
	User:      "email",
	IP:        "ip",
	UserAgent: "user_agent",
}

// Poller polls Slack access logs page by page until it catches up with the
// checkpoint.
type Poller struct {
	cfg     config.SlackPollerConfig
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Slack poller. The API token is read from the configured
// environment variable.
func New(cfg config.SlackPollerConfig, logger *zap.Logger) (*Poller, error) {
	token := os.Getenv(cfg.APITokenEnv)
	if token == "" {
		return nil, fmt.Errorf("slack API token not found in env var: %s", cfg.APITokenEnv)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Poller{
		cfg:     cfg,
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// Name returns the provider name.
func (p *Poller) Name() string { return "slack" }

// Fields returns the provider's field declarations.
func (p *Poller) Fields() event.FieldMap { return fields }

// Poll fetches access-log pages newest-first until it sees the checkpoint,
// then returns the new events oldest-first with emails attached.
func (p *Poller) Poll(ctx context.Context, checkpoint store.Checkpoint) ([]event.Raw, error) {
	var data []event.Raw
	caughtUp := false

	maxPages := p.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 100
	}

	for page := 1; page <= maxPages && !caughtUp; page++ {
		p.logger.Debug("polling slack access logs", zap.Int("page", page))
		resp, err := p.accessLogs(ctx, page)
		if err != nil {
			return nil, err
		}

		for _, ev := range resp.Logins {
			ts, _ := ev[fields.Timestamp].(float64)
			switch {
			case checkpoint.Raw == nil || ts > checkpoint.Time:
				data = append(data, ev)
			case ts == checkpoint.Time:
				if sameEvent(ev, checkpoint.Raw) {
					caughtUp = true
				} else {
					data = append(data, ev)
				}
			default:
				caughtUp = true
			}
			if caughtUp {
				break
			}
		}

		if resp.Paging.Pages > 0 && page >= resp.Paging.Pages {
			break
		}
	}

	data, err := p.enrich(ctx, data)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(data, func(i, j int) bool {
		a, _ := data[i][fields.Timestamp].(float64)
		b, _ := data[j][fields.Timestamp].(float64)
		return a < b
	})
	return data, nil
}

// HealthCheck verifies the API token with auth.test.
func (p *Poller) HealthCheck(ctx context.Context) error {
	var resp apiResponse
	if err := p.call(ctx, "auth.test", nil, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("slack API returned an error: %s", resp.Error)
	}
	return nil
}

// enrich resolves user IDs to emails via users.info, dropping bot and app
// users, and attaches the email under the declared user field. Events whose
// user cannot be resolved are dropped.
func (p *Poller) enrich(ctx context.Context, data []event.Raw) ([]event.Raw, error) {
	unique := make(map[string]bool)
	for _, ev := range data {
		if id := ev.String("user_id"); id != "" {
			unique[id] = true
		}
	}

	userMap := make(map[string]string, len(unique))
	for id := range unique {
		info, err := p.userInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		if info.User.IsBot || info.User.IsAppUser {
			continue
		}
		if info.User.Profile.Email != "" {
			userMap[id] = info.User.Profile.Email
			p.logger.Debug("mapped slack user",
				zap.String("user_id", id), zap.String("email", info.User.Profile.Email))
		}
	}

	enriched := make([]event.Raw, 0, len(data))
	for _, ev := range data {
		email, ok := userMap[ev.String("user_id")]
		if !ok {
			continue
		}
		ev[fields.User] = email
		enriched = append(enriched, ev)
	}
	p.logger.Debug("enriched slack events", zap.Int("returned", len(enriched)))
	return enriched, nil
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type accessLogsResponse struct {
	apiResponse
	Logins []event.Raw `json:"logins"`
	Paging struct {
		Count int `json:"count"`
		Total int `json:"total"`
		Page  int `json:"page"`
		Pages int `json:"pages"`
	} `json:"paging"`
}

type userInfoResponse struct {
	apiResponse
	User struct {
		IsBot     bool `json:"is_bot"`
		IsAppUser bool `json:"is_app_user"`
		Profile   struct {
			Email string `json:"email"`
		} `json:"profile"`
	} `json:"user"`
}

func (p *Poller) accessLogs(ctx context.Context, page int) (*accessLogsResponse, error) {
	pageSize := p.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	params := url.Values{
		"count": {strconv.Itoa(pageSize)},
		"page":  {strconv.Itoa(page)},
	}
	var resp accessLogsResponse
	if err := p.call(ctx, "team.accessLogs", params, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("slack API returned an error: %s", resp.Error)
	}
	return &resp, nil
}

func (p *Poller) userInfo(ctx context.Context, userID string) (*userInfoResponse, error) {
	params := url.Values{"user": {userID}}
	var resp userInfoResponse
	if err := p.call(ctx, "users.info", params, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("slack API returned an error: %s", resp.Error)
	}
	return &resp, nil
}

// rateLimitRetries bounds how many 429 responses one call absorbs before
// giving up.
const rateLimitRetries = 3

// call posts a Web API method with form-encoded parameters, honoring
// Retry-After on rate-limited responses.
func (p *Poller) call(ctx context.Context, method string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.baseURL+"/api/"+method, bytes.NewBufferString(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+p.token)

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("slack %s request failed: %w", method, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < rateLimitRetries {
			wait := retryAfter(resp)
			resp.Body.Close()
			p.logger.Warn("slack rate limited, backing off",
				zap.String("method", method), zap.Duration("wait", wait))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return fmt.Errorf("slack %s returned %d: %s", method, resp.StatusCode, string(msg))
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decoding slack %s response: %w", method, err)
		}
		return nil
	}
}

// retryAfter reads the Retry-After header, defaulting to one second.
func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

// sameEvent compares two raw events by canonical JSON form. Marshalled maps
// have sorted keys, so byte equality is structural equality.
func sameEvent(a, b event.Raw) bool {
	aj, err1 := json.Marshal(a)
	bj, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
