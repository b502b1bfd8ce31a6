package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/story-agent/internal/models"
	"github.com/story-agent/pkg/logger"
	"github.com/story-agent/pkg/ratelimit"
)

const defaultBaseURL = "https://graph.facebook.com"

// graphTimeLayout is the ISO8601 variant the Graph API reports timestamps in
const graphTimeLayout = "2006-01-02T15:04:05-0700"

// Client handles Instagram Graph API requests
type Client struct {
	httpClient   *http.Client
	oauthManager *OAuthManager
	rateLimiter  *ratelimit.MultiLimiter
	log          *logger.Logger
	baseURL      string
	apiVersion   string
}

// NewClient creates a new Instagram Graph API client
func NewClient(oauth *OAuthManager, limiter *ratelimit.MultiLimiter, apiVersion string, log *logger.Logger) *Client {
	if apiVersion == "" {
		apiVersion = "v19.0"
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		oauthManager: oauth,
		rateLimiter:  limiter,
		log:          log.WithComponent("instagram"),
		baseURL:      defaultBaseURL,
		apiVersion:   apiVersion,
	}
}

// SetBaseURL overrides the Graph API host (tests)
func (c *Client) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

// get performs an authenticated GET against the Graph API and decodes into out.
// Error responses are surfaced as *APIError with the kind already classified.
func (c *Client) get(ctx context.Context, limiterName, path string, params url.Values, out interface{}) error {
	// Wait for rate limiter
	if err := c.rateLimiter.Wait(ctx, limiterName); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}

	// Get valid token
	token, err := c.oauthManager.GetValidToken(ctx)
	if err != nil {
		return fmt.Errorf("authentication error: %w", err)
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", token.AccessToken)

	endpoint := fmt.Sprintf("%s/%s%s?%s", c.baseURL, c.apiVersion, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.log.Debug().
		Str("path", path).
		Msg("Making Graph API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().
		Int("status", resp.StatusCode).
		Msg("Graph API response")

	if resp.StatusCode != http.StatusOK {
		return parseAPIError(resp.StatusCode, body)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// graphErrorEnvelope is the Graph API error response body
type graphErrorEnvelope struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

func parseAPIError(status int, body []byte) *APIError {
	var envelope graphErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		kind := ErrKindOther
		if status == http.StatusTooManyRequests {
			kind = ErrKindRateLimited
		}
		return &APIError{
			Kind:       kind,
			StatusCode: status,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	return &APIError{
		Kind:       classifyGraphCode(envelope.Error.Code),
		StatusCode: status,
		Code:       envelope.Error.Code,
		Subcode:    envelope.Error.ErrorSubcode,
		Message:    envelope.Error.Message,
	}
}

// storyListResponse is the /{ig-user-id}/stories response body
type storyListResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Caption   string `json:"caption"`
		MediaType string `json:"media_type"` // IMAGE, VIDEO
		Permalink string `json:"permalink"`
		Timestamp string `json:"timestamp"`
	} `json:"data"`
}

// ListCurrentStories returns the stories currently live on the channel's account.
// The platform only exposes stories for their 24h lifetime, so the result is the
// complete candidate set for verification.
func (c *Client) ListCurrentStories(ctx context.Context, channel *models.Channel) ([]models.StoryCandidate, error) {
	if channel == nil || !channel.Configured() {
		return nil, fmt.Errorf("channel has no Instagram account configured")
	}

	params := url.Values{}
	params.Set("fields", "id,caption,media_type,permalink,timestamp")

	var resp storyListResponse
	if err := c.get(ctx, ratelimit.LimiterGraph, "/"+channel.IGUserID+"/stories", params, &resp); err != nil {
		return nil, err
	}

	candidates := make([]models.StoryCandidate, 0, len(resp.Data))
	for _, item := range resp.Data {
		ts, err := parseGraphTime(item.Timestamp)
		if err != nil {
			c.log.Warn().
				Str("external_id", item.ID).
				Str("timestamp", item.Timestamp).
				Msg("Skipping story with unparseable timestamp")
			continue
		}

		candidates = append(candidates, models.StoryCandidate{
			ExternalID: item.ID,
			Caption:    item.Caption,
			MediaType:  mediaTypeFromGraph(item.MediaType),
			Timestamp:  ts,
			Permalink:  item.Permalink,
		})
	}

	c.log.Debug().
		Str("ig_user_id", channel.IGUserID).
		Int("count", len(candidates)).
		Msg("Listed current stories")

	return candidates, nil
}

// insightsResponse is the /{media-id}/insights response body
type insightsResponse struct {
	Data []struct {
		Name   string `json:"name"`
		Values []struct {
			Value int `json:"value"`
		} `json:"values"`
	} `json:"data"`
}

// GetStoryInsights fetches the per-story metrics for a verified story
func (c *Client) GetStoryInsights(ctx context.Context, externalID string) (*models.StoryInsights, error) {
	params := url.Values{}
	params.Set("metric", "impressions,reach,replies,taps_forward,taps_back")

	var resp insightsResponse
	if err := c.get(ctx, ratelimit.LimiterInsights, "/"+externalID+"/insights", params, &resp); err != nil {
		return nil, err
	}

	insights := &models.StoryInsights{}
	for _, metric := range resp.Data {
		if len(metric.Values) == 0 {
			continue
		}
		value := metric.Values[0].Value
		switch metric.Name {
		case "impressions":
			insights.Impressions = value
		case "reach":
			insights.Reach = value
		case "replies":
			insights.Replies = value
		case "taps_forward":
			insights.TapsForward = value
		case "taps_back":
			insights.TapsBack = value
		}
	}

	return insights, nil
}

func parseGraphTime(s string) (time.Time, error) {
	if t, err := time.Parse(graphTimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func mediaTypeFromGraph(s string) models.MediaType {
	switch strings.ToUpper(s) {
	case "IMAGE":
		return models.MediaTypeImage
	case "VIDEO":
		return models.MediaTypeVideo
	default:
		return models.MediaTypeUnknown
	}
}
