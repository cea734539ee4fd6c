// Package client talks to the campaign admin API and waits for campaigns
// to finish sending.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/promo-mailer-backend/internal/errors"
	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

// ErrGaveUp is returned by WaitForCompletion when MaxElapsed passes before
// the campaign completes.
var ErrGaveUp = errors.New("campaign did not complete in time")

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Logger  *zap.Logger

	// Polling schedule. Zero values fall back to 5s, 30s and no limit.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Section is one block of a campaign to submit. Image is optional.
type Section struct {
	Content       string
	Image         []byte
	ImageFilename string
}

type ListResponse struct {
	Templates  []model.Campaign `json:"templates"`
	Pagination map[string]int   `json:"pagination"`
}

// CreateCampaign submits a campaign and returns its id.
func (c *Client) CreateCampaign(ctx context.Context, subject string, sections []Section) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if subject != "" {
		if err := mw.WriteField("subject", subject); err != nil {
			return "", err
		}
	}
	for i, s := range sections {
		if err := mw.WriteField(fmt.Sprintf("sections[%d][content]", i), s.Content); err != nil {
			return "", err
		}
		if len(s.Image) == 0 {
			continue
		}
		name := s.ImageFilename
		if name == "" {
			name = fmt.Sprintf("section-%d", i)
		}
		fw, err := mw.CreateFormFile(fmt.Sprintf("sections[%d][image]", i), name)
		if err != nil {
			return "", err
		}
		if _, err := fw.Write(s.Image); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var resp struct {
		TemplateID string `json:"templateId"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/send-promotional-email", mw.FormDataContentType(), &buf, &resp); err != nil {
		return "", err
	}
	return resp.TemplateID, nil
}

// Status fetches the current progress of a campaign.
func (c *Client) Status(ctx context.Context, id string) (*model.CampaignStatus, error) {
	var st model.CampaignStatus
	if err := c.do(ctx, http.MethodGet, "/admin/email-status/"+url.PathEscape(id), "", nil, &st); err != nil {
		var nf *appErrors.NotFoundError
		if errors.As(err, &nf) {
			nf.CampaignID = id
		}
		return nil, err
	}
	return &st, nil
}

func (c *Client) ListCampaigns(ctx context.Context, page, pageSize int) (*ListResponse, error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("page_size", fmt.Sprint(pageSize))

	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/admin/email-templates?"+q.Encode(), "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForCompletion polls right away, then on an exponential schedule until
// the campaign completes, ctx ends or MaxElapsed passes. An unknown campaign
// stops polling immediately. Transient errors are retried on the same
// schedule. onProgress, when set, sees every successful poll.
func (c *Client) WaitForCompletion(ctx context.Context, id string, onProgress func(*model.CampaignStatus)) (*model.CampaignStatus, error) {
	bo := c.pollSchedule()

	var last *model.CampaignStatus
	for {
		st, err := c.Status(ctx, id)
		switch {
		case err == nil:
			last = st
			if onProgress != nil {
				onProgress(st)
			}
			if st.IsCompleted {
				return st, nil
			}
		case ctx.Err() != nil:
			return last, ctx.Err()
		default:
			var nf *appErrors.NotFoundError
			if errors.As(err, &nf) {
				return nil, err
			}
			c.log().Warn("status poll failed", zap.String("campaign_id", id), zap.Error(err))
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return last, ErrGaveUp
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return last, ctx.Err()
		case <-t.C:
		}
	}
}

// pollSchedule doubles the wait between polls from InitialInterval up to
// MaxInterval, without jitter.
func (c *Client) pollSchedule() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = orDefault(c.InitialInterval, 5*time.Second)
	bo.MaxInterval = orDefault(c.MaxInterval, 30*time.Second)
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = c.MaxElapsed
	bo.Reset()
	return bo
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return appErrors.NewCampaignNotFound("")
		case http.StatusBadRequest:
			return appErrors.NewValidation("", strings.TrimPrefix(e.Error, "validation failed: "))
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, e.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) log() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
