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

const (
	meteostatURL  = "https://meteostat.p.rapidapi.com/point/hourly"
	meteostatHost = "meteostat.p.rapidapi.com"
	// Meteostat caps hourly point queries at 30 days.
	meteostatMaxDays = 30
)

// Meteostat reads hourly station-interpolated history via RapidAPI.
type Meteostat struct {
	apiKey string
	c      *client
}

func NewMeteostat(apiKey string, opts ...Option) *Meteostat {
	return &Meteostat{apiKey: apiKey, c: newClient("meteostat", meteostatURL, opts)}
}

func (m *Meteostat) Name() string { return "meteostat" }

type meteostatResponse struct {
	Data []struct {
		Time string   `json:"time"`
		Temp *float64 `json:"temp"`
		RHum *float64 `json:"rhum"`
		Pres *float64 `json:"pres"`
		WSpd *float64 `json:"wspd"` // km/h
		Coco *float64 `json:"coco"`
	} `json:"data"`
}

const meteostatTimeLayout = time.DateTime

func (m *Meteostat) FetchHourly(ctx context.Context, lat, lon float64, start, end time.Time) ([]models.Observation, error) {
	return fetchChunked(ctx, lat, lon, start, end, meteostatMaxDays, m.fetchWindow)
}

func (m *Meteostat) fetchWindow(ctx context.Context, lat, lon float64, w window) ([]models.Observation, error) {
	body, err := m.c.get(ctx, func(ctx context.Context) (*http.Request, error) {
		q := url.Values{}
		q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
		q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
		q.Set("start", w.start.Format(time.DateOnly))
		q.Set("end", w.end.Format(time.DateOnly))
		q.Set("tz", "UTC")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.c.baseURL+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-rapidapi-key", m.apiKey)
		req.Header.Set("x-rapidapi-host", meteostatHost)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var data meteostatResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("meteostat: unmarshal: %w", err)
	}

	out := make([]models.Observation, 0, len(data.Data))
	for _, row := range data.Data {
		at, err := time.ParseInLocation(meteostatTimeLayout, row.Time, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("meteostat: parse time %q: %w", row.Time, err)
		}
		obs := models.Observation{
			Timestamp: at,
			TempC:     nullable(row.Temp),
			Humidity:  nullable(row.RHum),
			Pressure:  nullable(row.Pres),
			WindSpeed: kmhToMS(nullable(row.WSpd)),
			Condition: models.ConditionUnknown,
			Source:    m.Name(),
		}
		if row.Coco != nil {
			obs.Condition = meteostatCondition(int(*row.Coco))
		}
		out = append(out, obs)
	}
	return out, nil
}

func nullable(p *float64) sql.NullFloat64 {
	v, ok := ptrFloat(p)
	return sql.NullFloat64{Float64: v, Valid: ok}
}
