// Package places is a client for the Google Places (New) Text Search API.
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/internal/resilience"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

// providerPageCeiling is the most results one searchText call returns.
const providerPageCeiling = 20

// fieldMask limits the response to the fields the Place snapshot needs.
const fieldMask = "places.id,places.displayName,places.formattedAddress,places.location," +
	"places.rating,places.userRatingCount,places.websiteUri,places.nationalPhoneNumber," +
	"places.types,nextPageToken"

// Client performs Places API text searches. The API key is passed per call
// so the budget governor can rotate across a credential pool.
type Client interface {
	SearchText(ctx context.Context, apiKey string, req SearchRequest) (*SearchResponse, error)
}

// CircleBias biases a text search toward a circular area.
type CircleBias struct {
	Center       model.LatLng
	RadiusMeters float64
}

// SearchRequest is one searchText call.
type SearchRequest struct {
	Query     string
	Bias      *CircleBias
	PageToken string
	PageSize  int
}

// SearchResponse is the parsed provider response. An empty NextPageToken
// means the provider has no further pages for this logical query.
type SearchResponse struct {
	Places        []model.ProviderPlace
	NextPageToken string
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Places API client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type textSearchRequest struct {
	TextQuery      string        `json:"textQuery"`
	PageSize       int           `json:"pageSize,omitempty"`
	PageToken      string        `json:"pageToken,omitempty"`
	LocationBias   *locationBias `json:"locationBias,omitempty"`
	RankPreference string        `json:"rankPreference,omitempty"`
}

type locationBias struct {
	Circle circle `json:"circle"`
}

type circle struct {
	Center center  `json:"center"`
	Radius float64 `json:"radius"`
}

type center struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type textSearchResponse struct {
	Places        []json.RawMessage `json:"places"`
	NextPageToken string            `json:"nextPageToken"`
}

func (c *httpClient) SearchText(ctx context.Context, apiKey string, sreq SearchRequest) (*SearchResponse, error) {
	pageSize := sreq.PageSize
	if pageSize <= 0 || pageSize > providerPageCeiling {
		pageSize = providerPageCeiling
	}

	payload := textSearchRequest{
		TextQuery: sreq.Query,
		PageSize:  pageSize,
		PageToken: sreq.PageToken,
	}
	if sreq.Bias != nil {
		payload.LocationBias = &locationBias{
			Circle: circle{
				Center: center{Latitude: sreq.Bias.Center.Lat, Longitude: sreq.Bias.Center.Lng},
				Radius: sreq.Bias.RadiusMeters,
			},
		}
		payload.RankPreference = "DISTANCE"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "places: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "places: create request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", apiKey)
	req.Header.Set("X-Goog-FieldMask", fieldMask)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "places: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "places: read response")
	}

	if resp.StatusCode != http.StatusOK {
		base := eris.Errorf("places: unexpected status %d: %s", resp.StatusCode, string(respBody))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, resilience.NewQuotaError(base, resp.StatusCode)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(base, resp.StatusCode)
		default:
			return nil, base
		}
	}

	var raw textSearchResponse
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, eris.Wrap(err, "places: unmarshal response")
	}

	out := &SearchResponse{NextPageToken: raw.NextPageToken}
	for _, msg := range raw.Places {
		var p model.ProviderPlace
		if err := json.Unmarshal(msg, &p); err != nil {
			return nil, eris.Wrap(err, "places: unmarshal place")
		}
		p.Raw = msg
		out.Places = append(out.Places, p)
	}
	return out, nil
}
