package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lox/tempcast/internal/models"
)

const openMeteoURL = "https://archive-api.open-meteo.com/v1/era5"

// OpenMeteo reads the Open-Meteo ERA5 reanalysis archive. No key required.
type OpenMeteo struct {
	c *client
}

func NewOpenMeteo(opts ...Option) *OpenMeteo {
	return &OpenMeteo{c: newClient("open-meteo", openMeteoURL, opts)}
}

func (o *OpenMeteo) Name() string { return "open-meteo" }

type openMeteoResponse struct {
	Hourly struct {
		Time        []string   `json:"time"`
		Temperature []*float64 `json:"temperature_2m"`
		Humidity    []*float64 `json:"relative_humidity_2m"`
		Pressure    []*float64 `json:"surface_pressure"`
		WindSpeed   []*float64 `json:"windspeed_10m"` // km/h
		WeatherCode []*float64 `json:"weather_code"`
	} `json:"hourly"`
}

const openMeteoTimeLayout = "2006-01-02T15:04"

func (o *OpenMeteo) FetchHourly(ctx context.Context, lat, lon float64, start, end time.Time) ([]models.Observation, error) {
	return fetchChunked(ctx, lat, lon, start, end, MaxChunkDays, o.fetchWindow)
}

func (o *OpenMeteo) fetchWindow(ctx context.Context, lat, lon float64, w window) ([]models.Observation, error) {
	body, err := o.c.get(ctx, func(ctx context.Context) (*http.Request, error) {
		q := url.Values{}
		q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
		q.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
		q.Set("start_date", w.start.Format(time.DateOnly))
		q.Set("end_date", w.end.Format(time.DateOnly))
		q.Set("hourly", "temperature_2m,relative_humidity_2m,surface_pressure,windspeed_10m,weather_code")
		q.Set("timezone", "UTC")
		return http.NewRequestWithContext(ctx, http.MethodGet, o.c.baseURL+"?"+q.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}

	var data openMeteoResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("open-meteo: unmarshal: %w", err)
	}

	h := data.Hourly
	out := make([]models.Observation, 0, len(h.Time))
	for i, ts := range h.Time {
		at, err := time.ParseInLocation(openMeteoTimeLayout, ts, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("open-meteo: parse time %q: %w", ts, err)
		}
		obs := models.Observation{
			Timestamp: at,
			TempC:     nullAt(h.Temperature, i),
			Humidity:  nullAt(h.Humidity, i),
			Pressure:  nullAt(h.Pressure, i),
			WindSpeed: kmhToMS(nullAt(h.WindSpeed, i)),
			Condition: models.ConditionUnknown,
			Source:    o.Name(),
		}
		if code := nullAt(h.WeatherCode, i); code.Valid {
			obs.Condition = wmoCondition(int(code.Float64))
		}
		out = append(out, obs)
	}
	return out, nil
}

// nullAt reads index i of a nullable column, tolerating short columns.
func nullAt(col []*float64, i int) sql.NullFloat64 {
	if i >= len(col) {
		return sql.NullFloat64{}
	}
	return nullable(col[i])
}
