// Package kma provides a forecast provider backed by the Korea
// Meteorological Administration ultra-short-term forecast API
// (VilageFcstInfoService_2.0/getUltraSrtFcst) on data.go.kr.
//
// The API is addressed by a 5 km grid cell (nx, ny) rather than latitude and
// longitude. The default cell covers Chuncheon.
package kma

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MrWong99/elf/pkg/provider/forecast"
)

const (
	DefaultBaseURL = "http://apis.data.go.kr/1360000/VilageFcstInfoService_2.0"
	DefaultNX      = 73
	DefaultNY      = 134

	// publishLag is how far behind real time a forecast must be requested;
	// the half-hourly issue is only available some minutes after its base
	// time.
	publishLag = 30 * time.Minute
)

// kst is Korea Standard Time. Korea observes no daylight saving, so a fixed
// zone avoids a tzdata dependency.
var kst = time.FixedZone("KST", 9*60*60)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithGrid overrides the forecast grid cell.
func WithGrid(nx, ny int) Option {
	return func(p *Provider) {
		p.nx, p.ny = nx, ny
	}
}

// WithBaseURL overrides [DefaultBaseURL].
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.client.SetBaseURL(u)
	}
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.client.SetTimeout(d)
	}
}

// WithRetries sets how many times a failed request is retried.
func WithRetries(n int) Option {
	return func(p *Provider) {
		p.client.SetRetryCount(n)
	}
}

// Provider implements forecast.Provider.
type Provider struct {
	client     *resty.Client
	serviceKey string
	nx, ny     int
}

var _ forecast.Provider = (*Provider)(nil)

// New creates a KMA provider. serviceKey is the data.go.kr key; both the
// encoded and the decoded form published on the portal are accepted.
func New(serviceKey string, opts ...Option) (*Provider, error) {
	if serviceKey == "" {
		return nil, fmt.Errorf("kma: serviceKey must not be empty")
	}
	if strings.Contains(serviceKey, "%") {
		decoded, err := url.QueryUnescape(serviceKey)
		if err != nil {
			return nil, fmt.Errorf("kma: decode serviceKey: %w", err)
		}
		serviceKey = decoded
	}

	client := resty.New().
		SetBaseURL(DefaultBaseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(3*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	p := &Provider{client: client, serviceKey: serviceKey, nx: DefaultNX, ny: DefaultNY}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type item struct {
	BaseDate  string `json:"baseDate"`
	BaseTime  string `json:"baseTime"`
	Category  string `json:"category"`
	FcstDate  string `json:"fcstDate"`
	FcstTime  string `json:"fcstTime"`
	FcstValue string `json:"fcstValue"`
}

type response struct {
	Response struct {
		Header struct {
			ResultCode string `json:"resultCode"`
			ResultMsg  string `json:"resultMsg"`
		} `json:"header"`
		Body struct {
			Items struct {
				Item []item `json:"item"`
			} `json:"items"`
		} `json:"body"`
	} `json:"response"`
}

// Current implements forecast.Provider. It requests the issue published half
// an hour before at and returns the earliest forecast slot in it.
func (p *Provider) Current(ctx context.Context, at time.Time) (forecast.Conditions, error) {
	base := at.In(kst).Add(-publishLag)

	var out response
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"serviceKey": p.serviceKey,
			"numOfRows":  "60",
			"pageNo":     "1",
			"dataType":   "JSON",
			"base_date":  base.Format("20060102"),
			"base_time":  base.Format("1504"),
			"nx":         strconv.Itoa(p.nx),
			"ny":         strconv.Itoa(p.ny),
		}).
		SetResult(&out).
		Get("/getUltraSrtFcst")
	if err != nil {
		return forecast.Conditions{}, fmt.Errorf("kma: request: %w", err)
	}
	if resp.IsError() {
		return forecast.Conditions{}, fmt.Errorf("kma: HTTP %d", resp.StatusCode())
	}

	hdr := out.Response.Header
	if hdr.ResultCode != "00" {
		if hdr.ResultCode == "" {
			return forecast.Conditions{}, fmt.Errorf("kma: unexpected response: %.120s", resp.String())
		}
		return forecast.Conditions{}, fmt.Errorf("kma: api error %s: %s", hdr.ResultCode, hdr.ResultMsg)
	}
	return conditions(out.Response.Body.Items.Item)
}

// conditions collects the categories of the first forecast slot in items.
func conditions(items []item) (forecast.Conditions, error) {
	if len(items) == 0 {
		return forecast.Conditions{}, fmt.Errorf("kma: no forecast items")
	}
	date, slot := items[0].FcstDate, items[0].FcstTime

	var c forecast.Conditions
	if t, err := time.ParseInLocation("200601021504", date+slot, kst); err == nil {
		c.At = t
	}
	for _, it := range items {
		if it.FcstDate != date || it.FcstTime != slot {
			continue
		}
		switch it.Category {
		case "LGT":
			c.Lightning = it.FcstValue
		case "PTY":
			c.Precipitation = it.FcstValue
		case "RN1":
			c.Rainfall = it.FcstValue
		case "SKY":
			c.Sky = it.FcstValue
		case "T1H":
			c.Temperature = it.FcstValue
		case "WSD":
			c.WindSpeed = it.FcstValue
		}
	}
	if c.Temperature == "" && c.Sky == "" {
		return forecast.Conditions{}, fmt.Errorf("kma: forecast slot %s %s has no temperature or sky", date, slot)
	}
	return c, nil
}
