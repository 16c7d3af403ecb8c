// Package gsuite polls the Google Workspace Admin Reports API for login
// activity using a service account with domain-wide delegation.
package gsuite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/jwt"

	"github.com/lvonguyen/loginwatch/internal/config"
	"github.com/lvonguyen/loginwatch/internal/event"
	"github.com/lvonguyen/loginwatch/internal/normalize"
	"github.com/lvonguyen/loginwatch/internal/store"
)

const (
	defaultBaseURL = "https://admin.googleapis.com"
	activitiesPath = "/admin/reports/v1/activity/users/all/applications/login"
	reportsScope   = "https://www.googleapis.com/auth/admin.reports.audit.readonly"

	// uniqueQualifier disambiguates activity records that share a timestamp.
	uniqueQualifier = "id.uniqueQualifier"
)

// fields declares where flattened activity records carry their values.
// Failed logins are excluded; only successful authentications are analyzed.
var fields = event.FieldMap{
	Timestamp: "id.time",
	User:      "actor.email",
	IP:        "ipAddress",
	UserAgent: "events.0.login_type",
	Filter:    "events.0.name",
	Filtered:  []string{"login_failure"},
}

// credentials is the subset of a service-account key file the poller needs.
type credentials struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// Poller pages through login activities until it catches up with the
// checkpoint.
type Poller struct {
	cfg     config.GSuitePollerConfig
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a GSuite poller. The service-account key is read from the
// configured credential file and impersonates the admin account.
func New(ctx context.Context, cfg config.GSuitePollerConfig, logger *zap.Logger) (*Poller, error) {
	data, err := os.ReadFile(cfg.CredentialFile)
	if err != nil {
		return nil, fmt.Errorf("reading gsuite credential file: %w", err)
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing gsuite credential file: %w", err)
	}
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return nil, fmt.Errorf("gsuite credential file missing client_email or private_key")
	}

	jwtCfg := &jwt.Config{
		Email:      creds.ClientEmail,
		PrivateKey: []byte(creds.PrivateKey),
		Scopes:     []string{reportsScope},
		TokenURL:   creds.TokenURI,
		Subject:    cfg.AdminEmail,
	}
	if jwtCfg.TokenURL == "" {
		jwtCfg.TokenURL = "https://oauth2.googleapis.com/token"
	}

	client := jwtCfg.Client(ctx)
	client.Timeout = cfg.Timeout
	if client.Timeout == 0 {
		client.Timeout = 30 * time.Second
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Poller{cfg: cfg, baseURL: baseURL, client: client, logger: logger}, nil
}

// Name returns the provider name.
func (p *Poller) Name() string { return "gsuite" }

// Fields returns the provider's field declarations.
func (p *Poller) Fields() event.FieldMap { return fields }

type activitiesResponse struct {
	Items         []map[string]any `json:"items"`
	NextPageToken string           `json:"nextPageToken"`
}

// Poll pages through activities newest-first until it sees the checkpoint,
// then returns the new flattened events oldest-first. Records sharing the
// checkpoint timestamp are disambiguated by their unique qualifier.
func (p *Poller) Poll(ctx context.Context, checkpoint store.Checkpoint) ([]event.Raw, error) {
	var data []event.Raw
	caughtUp := false
	pageToken := ""

	maxPages := p.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 100
	}

	for page := 1; page <= maxPages && !caughtUp; page++ {
		p.logger.Debug("polling gsuite login activities", zap.Int("page", page))
		resp, err := p.activities(ctx, pageToken)
		if err != nil {
			return nil, err
		}

		for _, item := range resp.Items {
			flattened := Flatten(item)
			ts, err := normalize.ParseTimestamp(flattened.Field(fields.Timestamp))
			if err != nil {
				return nil, fmt.Errorf("gsuite activity: %w", err)
			}
			switch {
			case checkpoint.Raw == nil || ts > checkpoint.Time:
				data = append(data, flattened)
			case ts == checkpoint.Time:
				if flattened.String(uniqueQualifier) == checkpoint.Raw.String(uniqueQualifier) {
					caughtUp = true
				} else {
					data = append(data, flattened)
				}
			default:
				caughtUp = true
			}
			if caughtUp {
				break
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	sort.SliceStable(data, func(i, j int) bool {
		// id.time is ISO-8601 UTC, so the string order is the time order.
		return data[i].String(fields.Timestamp) < data[j].String(fields.Timestamp)
	})
	return data, nil
}

// HealthCheck requests a single activity to verify credentials.
func (p *Poller) HealthCheck(ctx context.Context) error {
	q := url.Values{"maxResults": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+activitiesPath+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("gsuite health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gsuite returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *Poller) activities(ctx context.Context, pageToken string) (*activitiesResponse, error) {
	q := url.Values{}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	u := p.baseURL + activitiesPath
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gsuite activities request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gsuite returned %d: %s", resp.StatusCode, string(msg))
	}

	var out activitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding gsuite response: %w", err)
	}
	return &out, nil
}
