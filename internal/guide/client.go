package guide

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drieger/lineup-harvester/internal/store"
	"github.com/drieger/lineup-harvester/internal/util"
)

const (
	// DefaultBaseURL is the public guide API endpoint
	DefaultBaseURL = "https://api.getchannels.com"

	// UserAgent identifies this application to the guide API
	UserAgent = "lineup-harvester/1.0 (https://github.com/drieger/lineup-harvester)"

	requestTimeout = 30 * time.Second
)

// Client fetches lineup and station data from the guide API. Each fetch
// worker owns its own Client, so each worker holds its own network
// session. A Client is stateless given its inputs.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	retryCfg   *util.RetryConfig
}

// NewClient creates a guide API client. An empty baseURL selects the
// public endpoint; tests point it at an httptest server.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		userAgent: UserAgent,
		retryCfg:  util.DefaultRetryConfig(),
	}
}

// MarketBundle is everything fetched for one market, ready for the
// storage writer to apply atomically
type MarketBundle struct {
	Market         store.Market
	Lineups        []store.Lineup
	Stations       []store.Station
	LineupMarkets  []store.LineupMarket
	StationLineups []store.StationLineup
}

type msoInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type lineupInfo struct {
	LineupID string   `json:"lineupId"`
	Name     string   `json:"name"`
	Location string   `json:"location"`
	Type     string   `json:"type"`
	Device   string   `json:"device"`
	MSO      *msoInfo `json:"mso"`
}

type imageInfo struct {
	URI      string   `json:"uri"`
	Width    flexInt  `json:"width"`
	Height   flexInt  `json:"height"`
	Category string   `json:"category"`
	Primary  flexBool `json:"primary"`
}

type videoQualityInfo struct {
	SignalType    string `json:"signalType"`
	VideoType     string `json:"videoType"`
	TruResolution string `json:"truResolution"`
}

type channelInfo struct {
	StationID         string            `json:"stationId"`
	CallSign          string            `json:"callSign"`
	Channel           flexString        `json:"channel"`
	AffiliateID       string            `json:"affiliateId"`
	AffiliateCallSign string            `json:"affiliateCallSign"`
	PreferredImage    *imageInfo        `json:"preferredImage"`
	VideoQuality      *videoQualityInfo `json:"videoQuality"`
}

type stationDetail struct {
	StationID      string     `json:"stationId"`
	CallSign       string     `json:"callSign"`
	Name           string     `json:"name"`
	Type           string     `json:"type"`
	BcastLangs     []string   `json:"bcastLangs"`
	PreferredImage *imageInfo `json:"preferredImage"`
}

// FetchMarket retrieves every lineup serving a market and, for each
// lineup, its channel list, assembled into a MarketBundle. Any HTTP
// failure or empty lineup response is returned as an error; callers
// turn it into an error message on the work queue rather than aborting.
func (c *Client) FetchMarket(ctx context.Context, country, postalCode string) (*MarketBundle, error) {
	country = strings.ToUpper(country)
	normalized := NormalizePostalCode(country, postalCode)

	var lineups []lineupInfo
	url := fmt.Sprintf("%s/tms/lineups/%s/%s", c.baseURL, country, normalized)
	if err := c.fetchJSON(ctx, url, &lineups); err != nil {
		return nil, fmt.Errorf("failed to fetch lineups: %w", err)
	}
	if len(lineups) == 0 {
		return nil, util.ErrNoLineups
	}

	bundle := &MarketBundle{
		Market: store.Market{Country: country, PostalCode: postalCode},
	}

	for _, li := range lineups {
		if li.LineupID == "" {
			continue
		}

		lineup := store.Lineup{
			LineupID: li.LineupID,
			Name:     CleanName(li.Name),
			Location: CleanName(li.Location),
			Type:     li.Type,
			Device:   li.Device,
		}
		if li.MSO != nil {
			lineup.MSOID = li.MSO.ID
			lineup.MSOName = CleanName(li.MSO.Name)
		}
		bundle.Lineups = append(bundle.Lineups, lineup)
		bundle.LineupMarkets = append(bundle.LineupMarkets, store.LineupMarket{
			LineupID:   li.LineupID,
			Country:    country,
			PostalCode: postalCode,
		})

		channels, err := c.fetchChannels(ctx, li.LineupID)
		if err != nil {
			// Lineup stays mapped to the market; its channels can be
			// picked up by a later force refresh
			util.DebugLog("Failed to fetch channels for %s: %v", li.LineupID, err)
			continue
		}

		for _, ch := range channels {
			if ch.StationID == "" {
				continue
			}

			station := store.Station{
				StationID: ch.StationID,
				CallSign:  ch.CallSign,
				Source:    store.SourceBase,
			}
			if img := ch.PreferredImage; img != nil {
				station.LogoURI = img.URI
				station.LogoWidth = int(img.Width)
				station.LogoHeight = int(img.Height)
				station.LogoCategory = img.Category
				station.LogoPrimary = bool(img.Primary)
			}
			bundle.Stations = append(bundle.Stations, station)

			rel := store.StationLineup{
				StationID:         ch.StationID,
				LineupID:          li.LineupID,
				ChannelNumber:     string(ch.Channel),
				AffiliateID:       ch.AffiliateID,
				AffiliateCallSign: ch.AffiliateCallSign,
			}
			if vq := ch.VideoQuality; vq != nil {
				rel.SignalType = vq.SignalType
				rel.VideoType = vq.VideoType
				rel.Resolution = vq.TruResolution
			}
			bundle.StationLineups = append(bundle.StationLineups, rel)
		}
	}

	return bundle, nil
}

func (c *Client) fetchChannels(ctx context.Context, lineupID string) ([]channelInfo, error) {
	var channels []channelInfo
	url := fmt.Sprintf("%s/dvr/guide/stations/%s", c.baseURL, lineupID)
	if err := c.fetchJSON(ctx, url, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// FetchStationDetail looks up one station by call sign and filters the
// response for an exact station-id match. A missing call sign or no
// match is a normal "no enhancement available" outcome: (nil, nil).
func (c *Client) FetchStationDetail(ctx context.Context, stationID, callSign string) (*store.Station, error) {
	if callSign == "" {
		util.DebugLog("No call sign for station %s, skipping enhancement", stationID)
		return nil, nil
	}

	var results []stationDetail
	url := fmt.Sprintf("%s/tms/stations/%s", c.baseURL, callSign)
	if err := c.fetchJSON(ctx, url, &results); err != nil {
		util.DebugLog("Failed to fetch station details for %s: %v", callSign, err)
		return nil, nil
	}

	for _, detail := range results {
		if detail.StationID != stationID {
			continue
		}

		langs, _ := json.Marshal(detail.BcastLangs)
		station := &store.Station{
			StationID:  stationID,
			CallSign:   detail.CallSign,
			Name:       CleanName(detail.Name),
			Type:       detail.Type,
			BcastLangs: string(langs),
			Source:     store.SourceEnhanced,
		}
		if img := detail.PreferredImage; img != nil {
			station.LogoURI = img.URI
			station.LogoWidth = int(img.Width)
			station.LogoHeight = int(img.Height)
			station.LogoCategory = img.Category
			station.LogoPrimary = bool(img.Primary)
		}
		return station, nil
	}

	util.DebugLog("No matching station id in %d results for %s", len(results), callSign)
	return nil, nil
}

// fetchJSON executes a GET request and decodes the JSON response.
// Server errors and rate limits are retried with backoff.
func (c *Client) fetchJSON(ctx context.Context, url string, v any) error {
	return util.Retry(c.retryCfg, func() error {
		return c.doFetch(ctx, url, v)
	}, url)
}

func (c *Client) doFetch(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("HTTP %d: %w", resp.StatusCode, util.ErrTransient)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
