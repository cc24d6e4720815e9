package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/models"
	"taskflow/internal/syncer"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	syncPath     = "/api/v1/sync"
	userDataPath = "/api/v1/user-data"

	maxResponseBytes = 10 << 20
)

// Client talks to the remote sync service. It implements syncer.Transport.
type Client struct {
	baseURL        string
	userID         string
	loadMaxElapsed time.Duration
	httpClient     *http.Client
	logger         zerolog.Logger
}

// NewClient builds a client from the client section of the config.
func NewClient(cfg config.ClientConfig, logger *zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	userID := cfg.UserID
	if userID == "" {
		userID = models.DefaultUserID
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "transport").Logger()
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		userID:         userID,
		loadMaxElapsed: cfg.LoadMaxElapsed,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         l,
	}
}

// Sync posts one batch. Transport failures and non-2xx answers come back as
// *syncer.TransientSyncError; answers that can never succeed as
// *syncer.FatalSyncError.
func (c *Client) Sync(ctx context.Context, req models.SyncRequest) (*models.SyncResponseData, error) {
	if req.Changes == nil {
		req.Changes = []models.ChangeRecord{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &syncer.FatalSyncError{Err: fmt.Errorf("encode sync request: %w", err)}
	}
	status, raw, err := c.do(ctx, http.MethodPost, syncPath, body)
	if err != nil {
		return nil, err
	}
	var data models.SyncResponseData
	if err := decodeEnvelope(status, raw, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// FetchUserData performs a single GET of the user's full state.
func (c *Client) FetchUserData(ctx context.Context) (*models.UserData, error) {
	status, raw, err := c.do(ctx, http.MethodGet, userDataPath, nil)
	if err != nil {
		return nil, err
	}
	var data models.UserData
	if err := decodeEnvelope(status, raw, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// LoadUserData fetches the user's state, retrying transient failures with
// exponential backoff until the configured elapsed time runs out.
func (c *Client) LoadUserData(ctx context.Context) (*models.UserData, error) {
	bo := backoff.NewExponentialBackOff()
	if c.loadMaxElapsed > 0 {
		bo.MaxElapsedTime = c.loadMaxElapsed
	}

	var data *models.UserData
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		d, err := c.FetchUserData(ctx)
		if err != nil {
			if syncer.IsFatal(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Failed to load user data, retrying")
			return err
		}
		data = d
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("load user data: %w", err)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, &syncer.FatalSyncError{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &syncer.TransientSyncError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, &syncer.TransientSyncError{StatusCode: resp.StatusCode, Err: err}
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set(models.HeaderUserID, c.userID)
	req.Header.Set(models.HeaderRequestID, uuid.NewString())
}

// decodeEnvelope unwraps an APIResponse into out and classifies failures.
func decodeEnvelope[T any](status int, raw []byte, out *T) error {
	var env models.APIResponse[T]
	decodeErr := json.Unmarshal(raw, &env)

	if status < 200 || status >= 300 {
		apiErr := &statusError{status: status}
		if decodeErr == nil && env.Error != nil {
			apiErr.apiErr = env.Error
			if !env.Error.Code.Retryable() {
				return &syncer.FatalSyncError{Err: apiErr}
			}
		}
		return &syncer.TransientSyncError{StatusCode: status, Err: apiErr}
	}

	if decodeErr != nil {
		return &syncer.FatalSyncError{Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if !env.Success {
		apiErr := &statusError{status: status, apiErr: env.Error}
		if env.Error != nil && !env.Error.Code.Retryable() {
			return &syncer.FatalSyncError{Err: apiErr}
		}
		return &syncer.TransientSyncError{StatusCode: status, Err: apiErr}
	}
	if env.Data == nil {
		return &syncer.FatalSyncError{Err: errors.New("response has no data")}
	}
	*out = *env.Data
	return nil
}

type statusError struct {
	status int
	apiErr *models.APIError
}

func (e *statusError) Error() string {
	if e.apiErr == nil {
		return fmt.Sprintf("http %d", e.status)
	}
	return fmt.Sprintf("http %d: %s: %s", e.status, e.apiErr.Code, e.apiErr.Message)
}
