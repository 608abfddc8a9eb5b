package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"options-flow-scanner/internal/flow"
	"options-flow-scanner/internal/throttle"
)

const (
	defaultBaseURL    = "https://api.polygon.io"
	defaultPageLimit  = 250
	defaultMaxPages   = 100
	snapshotPath      = "/v3/snapshot/options/"
	moversPathPattern = "/v2/snapshot/locale/us/markets/stocks/%s"
	errorBodyPreview  = 200
)

// PolygonOptions parameterise the Polygon REST client.
type PolygonOptions struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	PageLimit  int
	MaxPages   int
	UserAgent  string
	// BreakerFailures consecutive transport or server failures open the circuit. 0 disables it.
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Polygon fetches option snapshots from Polygon.io.
type Polygon struct {
	opts     PolygonOptions
	baseURL  string
	client   *http.Client
	throttle *throttle.Throttle
	breaker  *gobreaker.CircuitBreaker
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// NewPolygon constructs a Polygon client sharing the given throttle.
func NewPolygon(opts PolygonOptions, th *throttle.Throttle, logger zerolog.Logger) *Polygon {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if th == nil {
		th = throttle.New(0, logger)
	}

	p := &Polygon{
		opts:     opts,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		throttle: th,
		sleep:    sleepContext,
		logger:   logger.With().Str("component", "polygon").Logger(),
	}
	if opts.BreakerFailures > 0 {
		cooldown := opts.BreakerCooldown
		if cooldown <= 0 {
			cooldown = time.Minute
		}
		failures := uint32(opts.BreakerFailures)
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "polygon",
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				var ts *tripSafe
				return err == nil || errors.As(err, &ts)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			},
		})
	}
	return p
}

// Close releases idle connections.
func (p *Polygon) Close() {
	p.client.CloseIdleConnections()
}

// FetchSnapshot returns every contract observation for the underlying, following pagination.
// A page that cannot be fetched ends pagination; observations gathered so far are kept.
func (p *Polygon) FetchSnapshot(ctx context.Context, ticker string) ([]flow.Observation, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(p.opts.PageLimit))
	next := p.baseURL + snapshotPath + url.PathEscape(ticker) + "?" + query.Encode()

	var observations []flow.Observation
	for page := 0; next != ""; page++ {
		if page >= p.opts.MaxPages {
			p.logger.Warn().Str("ticker", ticker).Int("pages", page).Msg("page limit reached, truncating snapshot")
			break
		}
		body, err := p.get(ctx, next)
		if err != nil {
			return nil, err
		}
		if body == nil {
			break
		}

		var payload snapshotResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			p.logger.Error().Err(err).Str("ticker", ticker).Int("page", page).Msg("decode snapshot page")
			break
		}
		for _, res := range payload.Results {
			observations = append(observations, res.observation(ticker))
		}
		next = payload.NextURL
	}
	return observations, nil
}

// MostActive returns the union of the day's top gainers and losers in first-seen order.
func (p *Polygon) MostActive(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var tickers []string
	for _, direction := range []string{"gainers", "losers"} {
		body, err := p.get(ctx, p.baseURL+fmt.Sprintf(moversPathPattern, direction))
		if err != nil {
			return nil, err
		}
		if body == nil {
			continue
		}
		var payload moversResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			p.logger.Error().Err(err).Str("direction", direction).Msg("decode movers")
			continue
		}
		for _, item := range payload.Tickers {
			t := strings.TrimSpace(item.Ticker)
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			tickers = append(tickers, t)
		}
	}
	return tickers, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("polygon api error (%d): %s", e.code, e.body)
}

// get performs one logical request with throttling and bounded retry. A nil body with a nil
// error means the request was abandoned.
func (p *Polygon) get(ctx context.Context, rawURL string) ([]byte, error) {
	endpoint, err := p.withAPIKey(rawURL)
	if err != nil {
		p.logger.Error().Err(err).Str("url", rawURL).Msg("invalid request url")
		return nil, nil
	}
	path := redactedPath(endpoint)

	for attempt := 1; attempt <= p.opts.MaxRetries; attempt++ {
		if err := p.throttle.Acquire(ctx); err != nil {
			return nil, err
		}

		body, err := p.attempt(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		var se *statusError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			p.logger.Warn().Str("path", path).Msg("circuit open, skipping request")
			return nil, nil
		case errors.As(err, &se) && se.code == http.StatusTooManyRequests:
			p.logger.Warn().Str("path", path).Int("attempt", attempt).Int("max", p.opts.MaxRetries).Msg("rate limited (429)")
		case errors.As(err, &se) && se.code >= 500:
			p.logger.Error().Err(err).Str("path", path).Int("attempt", attempt).Msg("server error")
		case errors.As(err, &se):
			p.logger.Error().Err(err).Str("path", path).Msg("client error, not retrying")
			return nil, nil
		default:
			p.logger.Error().Err(err).Str("path", path).Int("attempt", attempt).Msg("request failed")
		}

		if attempt < p.opts.MaxRetries {
			if err := p.sleep(ctx, p.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
	}

	p.logger.Error().Str("path", path).Int("attempts", p.opts.MaxRetries).Msg("all retries exhausted")
	return nil, nil
}

func (p *Polygon) attempt(ctx context.Context, endpoint string) ([]byte, error) {
	if p.breaker == nil {
		return p.do(ctx, endpoint)
	}
	res, err := p.breaker.Execute(func() (interface{}, error) {
		body, err := p.do(ctx, endpoint)
		var se *statusError
		if errors.As(err, &se) && se.code < 500 {
			// 4xx responses say nothing about venue health
			return nil, &tripSafe{err}
		}
		return body, err
	})
	var ts *tripSafe
	if errors.As(err, &ts) {
		return nil, ts.err
	}
	if err != nil {
		return nil, err
	}
	body, _ := res.([]byte)
	return body, nil
}

// tripSafe wraps an error the breaker should count as success.
type tripSafe struct{ err error }

func (t *tripSafe) Error() string { return t.err.Error() }
func (t *tripSafe) Unwrap() error { return t.err }

func (p *Polygon) do(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "flowscanner/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		preview := strings.TrimSpace(string(payload))
		if len(preview) > errorBodyPreview {
			preview = preview[:errorBodyPreview]
		}
		return nil, &statusError{code: resp.StatusCode, body: preview}
	}
	return payload, nil
}

func (p *Polygon) withAPIKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("apiKey") == "" && p.opts.APIKey != "" {
		q.Set("apiKey", p.opts.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactedPath(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Path
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type snapshotResponse struct {
	Results []snapshotResult `json:"results"`
	NextURL string           `json:"next_url"`
	Status  string           `json:"status"`
}

type snapshotResult struct {
	Details struct {
		StrikePrice    float64 `json:"strike_price"`
		ExpirationDate string  `json:"expiration_date"`
		ContractType   string  `json:"contract_type"`
	} `json:"details"`
	Day struct {
		Volume  float64 `json:"volume"`
		Close   float64 `json:"close"`
		LastOTC float64 `json:"last_otc"`
	} `json:"day"`
	OpenInterest float64 `json:"open_interest"`
	Greeks       struct {
		ImpliedVolatility *float64 `json:"implied_volatility"`
	} `json:"greeks"`
	ImpliedVolatility *float64 `json:"implied_volatility"`
}

func (r snapshotResult) observation(ticker string) flow.Observation {
	price := r.Day.Close
	if price == 0 {
		price = r.Day.LastOTC
	}
	iv := r.Greeks.ImpliedVolatility
	if iv == nil {
		iv = r.ImpliedVolatility
	}
	return flow.Observation{
		Ticker:            ticker,
		Strike:            r.Details.StrikePrice,
		Expiry:            r.Details.ExpirationDate,
		Side:              r.Details.ContractType,
		Volume:            int64(r.Day.Volume),
		OpenInterest:      int64(r.OpenInterest),
		LastPrice:         price,
		ImpliedVolatility: iv,
	}
}

type moversResponse struct {
	Tickers []struct {
		Ticker string `json:"ticker"`
	} `json:"tickers"`
}

var _ Client = (*Polygon)(nil)
