// Package youtube implements the platform status client on top of the
// YouTube Data API v3.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/meteoradja-ytmjk/ozanglive/internal/store"
	"github.com/meteoradja-ytmjk/ozanglive/internal/stream"
)

const (
	defaultAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
)

type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Endpoint     string // API base URL override
	Timeout      time.Duration
	RatePerSec   float64
	Burst        int
}

// Client talks to YouTube on behalf of the owners of streams. Access tokens
// are cached per user until they expire.
type Client struct {
	cfg     Config
	creds   store.CredentialStore
	limiter *rate.Limiter
	http    *http.Client

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

func New(cfg Config, creds store.CredentialStore) (*Client, error) {
	if creds == nil {
		return nil, errors.New("youtube: credential store is required")
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &Client{
		cfg:     cfg,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  make(map[string]*oauth2.Token),
	}, nil
}

// ResolveCredential loads the credential of userID and fills in the
// application client id/secret when the record carries none.
func (c *Client) ResolveCredential(ctx context.Context, userID string) (stream.Credential, error) {
	cred, err := c.creds.CredentialByUser(ctx, userID)
	if err != nil {
		return stream.Credential{}, fmt.Errorf("resolve credential for %s: %w", userID, err)
	}
	if cred.ClientID == "" {
		cred.ClientID = c.cfg.ClientID
	}
	if cred.ClientSecret == "" {
		cred.ClientSecret = c.cfg.ClientSecret
	}
	if cred.RefreshToken == "" {
		return stream.Credential{}, fmt.Errorf("user %s has no refresh token: %w", userID, stream.ErrPermanentAuth)
	}
	return cred, nil
}

// AccessToken exchanges the refresh token. A grant the token endpoint
// rejects outright is reported as ErrPermanentAuth.
func (c *Client) AccessToken(ctx context.Context, cred stream.Credential) (string, error) {
	c.mu.Lock()
	if tok, ok := c.tokens[cred.UserID]; ok && tok.Valid() {
		c.mu.Unlock()
		return tok.AccessToken, nil
	}
	c.mu.Unlock()

	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: defaultAuthURL, TokenURL: c.cfg.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return "", classifyTokenError(cred.UserID, err)
	}

	c.mu.Lock()
	c.tokens[cred.UserID] = tok
	c.mu.Unlock()
	return tok.AccessToken, nil
}

func classifyTokenError(userID string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return fmt.Errorf("refresh token of %s rejected (%s): %w", userID, re.ErrorCode, stream.ErrPermanentAuth)
		}
	}
	return fmt.Errorf("refresh token of %s: %w", userID, err)
}

// Forget drops the cached access token of userID.
func (c *Client) Forget(userID string) {
	c.mu.Lock()
	delete(c.tokens, userID)
	c.mu.Unlock()
}

func (c *Client) service(ctx context.Context, token string) (*yt.Service, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	hc := &http.Client{
		Timeout: c.cfg.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   c.http.Transport,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}
	return yt.NewService(ctx, opts...)
}

// FindBroadcastByKey finds the broadcast bound to the ingestion stream whose
// stream name is streamKey. An active broadcast wins over an ended one.
func (c *Client) FindBroadcastByKey(ctx context.Context, token, streamKey string) (string, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return "", err
	}

	var boundStream string
	err = svc.LiveStreams.List([]string{"id", "cdn"}).Mine(true).MaxResults(50).Pages(ctx, func(resp *yt.LiveStreamListResponse) error {
		for _, ls := range resp.Items {
			if ls.Cdn != nil && ls.Cdn.IngestionInfo != nil && ls.Cdn.IngestionInfo.StreamName == streamKey {
				boundStream = ls.Id
				return errStopPaging
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return "", mapError("list live streams", err)
	}
	if boundStream == "" {
		return "", stream.ErrBroadcastNotFound
	}

	var best *yt.LiveBroadcast
	err = svc.LiveBroadcasts.List([]string{"id", "contentDetails", "status"}).Mine(true).BroadcastType("all").MaxResults(50).Pages(ctx, func(resp *yt.LiveBroadcastListResponse) error {
		for _, b := range resp.Items {
			if b.ContentDetails == nil || b.ContentDetails.BoundStreamId != boundStream {
				continue
			}
			if best == nil || rank(b) > rank(best) {
				best = b
			}
		}
		return nil
	})
	if err != nil {
		return "", mapError("list live broadcasts", err)
	}
	if best == nil {
		return "", stream.ErrBroadcastNotFound
	}
	return best.Id, nil
}

var errStopPaging = errors.New("stop paging")

func rank(b *yt.LiveBroadcast) int {
	if b.Status == nil {
		return 0
	}
	switch b.Status.LifeCycleStatus {
	case stream.LifeCycleLive:
		return 4
	case stream.LifeCycleTesting:
		return 3
	case stream.LifeCycleReady, stream.LifeCycleCreated:
		return 2
	default:
		return 1
	}
}

func (c *Client) BroadcastStatus(ctx context.Context, token, broadcastID string) (stream.BroadcastStatus, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return stream.BroadcastStatus{}, err
	}
	resp, err := svc.LiveBroadcasts.List([]string{"id", "status"}).Id(broadcastID).Context(ctx).Do()
	if err != nil {
		err = mapError("get broadcast status", err)
		if errors.Is(err, stream.ErrBroadcastNotFound) {
			return stream.BroadcastStatus{Exists: false}, nil
		}
		return stream.BroadcastStatus{}, err
	}
	if len(resp.Items) == 0 || resp.Items[0].Status == nil {
		return stream.BroadcastStatus{Exists: false}, nil
	}
	return stream.BroadcastStatus{Exists: true, LifeCycleStatus: resp.Items[0].Status.LifeCycleStatus}, nil
}

// SetVisibility changes the privacy status of the video behind an ended
// broadcast. A video that is still being finalised reports NeedsRetry.
func (c *Client) SetVisibility(ctx context.Context, token, broadcastID, visibility string, attempt int) (stream.VisibilityResult, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return stream.VisibilityResult{}, err
	}
	cur, err := svc.Videos.List([]string{"id", "status"}).Id(broadcastID).Context(ctx).Do()
	if err != nil {
		return stream.VisibilityResult{}, mapError("get video", err)
	}
	if len(cur.Items) == 0 || cur.Items[0].Status == nil {
		return stream.VisibilityResult{NeedsRetry: true}, nil
	}
	if cur.Items[0].Status.PrivacyStatus == visibility {
		return stream.VisibilityResult{Success: true}, nil
	}

	status := *cur.Items[0].Status
	status.PrivacyStatus = visibility
	_, err = svc.Videos.Update([]string{"status"}, &yt.Video{Id: broadcastID, Status: &status}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusConflict || gerr.Code == http.StatusBadRequest) {
			slog.Debug("video not ready for visibility change", "broadcast_id", broadcastID, "attempt", attempt, "error", gerr.Message)
			return stream.VisibilityResult{NeedsRetry: true}, nil
		}
		return stream.VisibilityResult{}, mapError("update video", err)
	}
	return stream.VisibilityResult{Success: true}, nil
}

// mapError turns API errors into the stream error taxonomy.
func mapError(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "quotaExceeded", "dailyLimitExceeded":
			return fmt.Errorf("%s: %w", op, stream.ErrQuotaExceeded)
		case "liveBroadcastNotFound", "videoNotFound":
			return fmt.Errorf("%s: %w", op, stream.ErrBroadcastNotFound)
		}
	}
	if gerr.Code == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, stream.ErrBroadcastNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ stream.Platform = (*Client)(nil)
