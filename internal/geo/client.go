package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client queries the platform geo service for proximity answers. Answers
// are cached in Redis because locations do not move between runs and the
// matcher asks the same question once per (subject, user) pair.
type Client struct {
	baseURL    string
	httpClient *http.Client
	redis      *redis.Client
	cacheTTL   time.Duration
}

func NewClient(baseURL string, timeout time.Duration, redisClient *redis.Client, cacheTTL time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		redis:    redisClient,
		cacheTTL: cacheTTL,
	}
}

type withinDistanceRequest struct {
	UserLocationIDs   []string `json:"userLocationIds"`
	SubjectLocationID string   `json:"subjectLocationId"`
	Meters            int      `json:"meters"`
}

type withinDistanceResponse struct {
	Within bool `json:"within"`
}

// IsWithinDistance reports whether the subject location lies within meters
// of any of the user's locations.
func (c *Client) IsWithinDistance(ctx context.Context, userLocationIDs []string, subjectLocationID string, meters int) (bool, error) {
	key := c.cacheKey(userLocationIDs, subjectLocationID, meters)

	if c.redis != nil {
		cached, err := c.redis.Get(ctx, key).Result()
		if err == nil {
			return cached == "1", nil
		}
		if err != redis.Nil {
			log.Printf("Warning: proximity cache read failed for %s: %v", key, err)
		}
	}

	within, err := c.queryGeoService(ctx, userLocationIDs, subjectLocationID, meters)
	if err != nil {
		return false, err
	}

	if c.redis != nil {
		value := "0"
		if within {
			value = "1"
		}
		if err := c.redis.Set(ctx, key, value, c.cacheTTL).Err(); err != nil {
			log.Printf("Warning: proximity cache write failed for %s: %v", key, err)
		}
	}

	return within, nil
}

func (c *Client) queryGeoService(ctx context.Context, userLocationIDs []string, subjectLocationID string, meters int) (bool, error) {
	payload, err := json.Marshal(withinDistanceRequest{
		UserLocationIDs:   userLocationIDs,
		SubjectLocationID: subjectLocationID,
		Meters:            meters,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal proximity request: %w", err)
	}

	url := c.baseURL + "/api/v1/locations/within-distance"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to build proximity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("geo service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("geo service returned status %d", resp.StatusCode)
	}

	var result withinDistanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("failed to decode geo service response: %w", err)
	}

	return result.Within, nil
}

// cacheKey is order-independent over the user locations so equivalent
// queries share an entry.
func (c *Client) cacheKey(userLocationIDs []string, subjectLocationID string, meters int) string {
	sorted := slices.Clone(userLocationIDs)
	slices.Sort(sorted)
	return "geo:within:" + subjectLocationID + ":" + strconv.Itoa(meters) + ":" + strings.Join(sorted, ",")
}
