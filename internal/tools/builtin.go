package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/mzanin/voxbridge/internal/reliability"
)

const (
	defaultGeocodeURL  = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL = "https://api.open-meteo.com/v1/forecast"
)

type dateTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as Europe/Rome. Defaults to UTC."`
}

type weatherArgs struct {
	Location string `json:"location" jsonschema:"description=City or place name to look up,required"`
}

// builtinSchema reflects a Go argument struct into a plain JSON schema that
// the model side accepts as function parameters.
func builtinSchema(v any) json.RawMessage {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

func (g *Gateway) getDateTime(argsJSON string) string {
	var args dateTimeArgs
	_ = json.Unmarshal([]byte(argsJSON), &args)

	now := time.Now().UTC()
	zone := "UTC"
	if args.Timezone != "" {
		if loc, err := time.LoadLocation(args.Timezone); err == nil {
			now = now.In(loc)
			zone = args.Timezone
		} else {
			g.log.Printf("tools: unknown timezone %q, falling back to UTC", args.Timezone)
		}
	}
	return fmt.Sprintf("It is %s (%s).", now.Format("Monday, 2 January 2006, 15:04"), zone)
}

func (g *Gateway) getWeather(ctx context.Context, argsJSON string) string {
	var args weatherArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || strings.TrimSpace(args.Location) == "" {
		return "Weather lookup needs a location name."
	}

	lat, lon, place, err := g.geocode(ctx, args.Location)
	if err != nil {
		return fmt.Sprintf("Could not find a place called %q.", args.Location)
	}
	summary, err := g.forecast(ctx, lat, lon)
	if err != nil {
		return fmt.Sprintf("Weather service is unavailable for %s right now.", place)
	}
	return fmt.Sprintf("Current weather in %s: %s", place, summary)
}

func (g *Gateway) geocode(ctx context.Context, location string) (lat, lon float64, name string, err error) {
	query := url.Values{"name": {location}, "count": {"1"}}
	raw, err := g.fetch(ctx, g.geocodeURL+"?"+query.Encode())
	if err != nil {
		return 0, 0, "", err
	}
	var out struct {
		Results []struct {
			Name      string  `json:"name"`
			Country   string  `json:"country"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, 0, "", fmt.Errorf("decode geocode response: %w", err)
	}
	if len(out.Results) == 0 {
		return 0, 0, "", fmt.Errorf("no geocode match for %q", location)
	}
	hit := out.Results[0]
	name = hit.Name
	if hit.Country != "" {
		name += ", " + hit.Country
	}
	return hit.Latitude, hit.Longitude, name, nil
}

func (g *Gateway) forecast(ctx context.Context, lat, lon float64) (string, error) {
	query := url.Values{
		"latitude":        {fmt.Sprintf("%.4f", lat)},
		"longitude":       {fmt.Sprintf("%.4f", lon)},
		"current_weather": {"true"},
	}
	raw, err := g.fetch(ctx, g.forecastURL+"?"+query.Encode())
	if err != nil {
		return "", err
	}
	var out struct {
		CurrentWeather struct {
			Temperature float64 `json:"temperature"`
			WindSpeed   float64 `json:"windspeed"`
			WeatherCode int     `json:"weathercode"`
		} `json:"current_weather"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode forecast response: %w", err)
	}
	cw := out.CurrentWeather
	return fmt.Sprintf("%s, %.1f C, wind %.1f km/h.",
		weatherCodeText(cw.WeatherCode), cw.Temperature, cw.WindSpeed), nil
}

const (
	fetchAttempts    = 3
	fetchBackoffBase = 200 * time.Millisecond
	fetchBackoffCap  = 2 * time.Second
)

// fetch issues a GET and retries transient failures. Non-retryable statuses
// fail immediately so a 404 from the geocoder is not hammered three times.
func (g *Gateway) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, fetchBackoffBase, fetchBackoffCap)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		body, retryable, err := g.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (g *Gateway) fetchOnce(ctx context.Context, url string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	res, err := g.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, reliability.IsRetryableHTTPStatus(res.StatusCode), fmt.Errorf("http status %d", res.StatusCode)
	}
	body, err = io.ReadAll(io.LimitReader(res.Body, 1<<20))
	return body, false, err
}

// weatherCodeText maps WMO weather interpretation codes to short phrases.
func weatherCodeText(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 3:
		return "partly cloudy"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code >= 61 && code <= 67:
		return "rain"
	case code >= 71 && code <= 77:
		return "snow"
	case code >= 80 && code <= 82:
		return "rain showers"
	case code >= 85 && code <= 86:
		return "snow showers"
	case code >= 95:
		return "thunderstorm"
	default:
		return "unsettled"
	}
}
