// Package weather fetches the latest air temperature and relative
// humidity from a station-readings API.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidURL      = errors.New("weather: invalid URL")
	ErrInvalidResponse = errors.New("weather: invalid response")
	ErrDecoding        = errors.New("weather: decoding error")
)

// maxBody bounds how much of a response is read.
const maxBody = 1 << 20

// Reading is the latest weather at the configured station.
type Reading struct {
	Temperature     float64   `json:"temperature"`
	Humidity        float64   `json:"humidity"`
	TemperatureUnit string    `json:"temperature_unit"`
	HumidityUnit    string    `json:"humidity_unit"`
	Timestamp       time.Time `json:"timestamp"`
}

// Source provides the latest reading.
type Source interface {
	Latest(ctx context.Context) (Reading, error)
}

// Options configures a Client.
type Options struct {
	TemperatureURL string
	HumidityURL    string
	StationID      string
	Timeout        time.Duration
}

// Client reads two station-readings endpoints, one per measurement.
type Client struct {
	opts Options
	http *http.Client
}

var _ Source = (*Client)(nil)

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{opts: opts, http: &http.Client{Timeout: opts.Timeout}}
}

// Latest fetches temperature then humidity. The reading's timestamp is
// the temperature item's.
func (c *Client) Latest(ctx context.Context) (Reading, error) {
	temp, err := c.fetch(ctx, c.opts.TemperatureURL)
	if err != nil {
		return Reading{}, errors.Wrap(err, "air temperature")
	}
	hum, err := c.fetch(ctx, c.opts.HumidityURL)
	if err != nil {
		return Reading{}, errors.Wrap(err, "relative humidity")
	}
	return Reading{
		Temperature:     temp.value,
		Humidity:        hum.value,
		TemperatureUnit: temp.unit,
		HumidityUnit:    hum.unit,
		Timestamp:       temp.timestamp,
	}, nil
}

type stationResponse struct {
	Metadata struct {
		ReadingUnit string `json:"reading_unit"`
	} `json:"metadata"`
	Items []struct {
		Timestamp time.Time `json:"timestamp"`
		Readings  []struct {
			StationID string   `json:"station_id"`
			Value     *float64 `json:"value"`
		} `json:"readings"`
	} `json:"items"`
}

type measurement struct {
	value     float64
	unit      string
	timestamp time.Time
}

func (c *Client) fetch(ctx context.Context, raw string) (measurement, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return measurement{}, errors.Wrapf(ErrInvalidURL, "%q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return measurement{}, errors.Wrapf(ErrInvalidURL, "%q", raw)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return measurement{}, errors.Wrap(err, "weather: request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return measurement{}, errors.Wrap(ErrInvalidResponse, fmt.Sprintf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return measurement{}, errors.Wrap(err, "weather: read body")
	}
	var sr stationResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return measurement{}, errors.Wrap(ErrDecoding, err.Error())
	}
	if len(sr.Items) == 0 {
		return measurement{}, errors.Wrap(ErrInvalidResponse, "no items")
	}
	item := sr.Items[0]
	for _, r := range item.Readings {
		if r.StationID != c.opts.StationID {
			continue
		}
		if r.Value == nil {
			return measurement{}, errors.Wrapf(ErrInvalidResponse, "station %s has no value", c.opts.StationID)
		}
		return measurement{value: *r.Value, unit: sr.Metadata.ReadingUnit, timestamp: item.Timestamp}, nil
	}
	return measurement{}, errors.Wrapf(ErrInvalidResponse, "station %s not reported", c.opts.StationID)
}
