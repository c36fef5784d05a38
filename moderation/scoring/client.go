// HTTP client for the toxicity and sarcasm inference service.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dhruvmish/moderation-agent/moderation/score"
)

var scoringAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "warden_scoring_api_duration_sec",
	Help: "Duration of scoring API calls",
}, []string{"model"})

var scoringAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_scoring_api_count",
	Help: "Number of scoring API calls, by model and HTTP status code",
}, []string{"model", "status"})

type Client struct {
	Client http.Client
	// base URL, eg "http://localhost:8000"
	Host     string
	ApiToken string
}

type textRequest struct {
	Text string `json:"text"`
}

// schema of POST /toxicity
type ToxicityResp struct {
	Scores map[string]float64 `json:"scores"`
}

// schema of POST /sarcasm
type SarcasmResp struct {
	Sarcasm float64 `json:"sarcasm"`
}

// LeveledSlog adapts slog to the retryablehttp logger interface.
type LeveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// re-writes HTTP client DEBUG to INFO level (this is where retry is logged)
func (l LeveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// Generates an HTTP client which retries on connection errors, 5xx status
// (except 501), and 429 (respecting 'Retry-After'). Intermediate failures
// are logged at WARN level.
func RobustHTTPClient(logger *slog.Logger) *http.Client {
	if logger == nil {
		logger = slog.Default()
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(LeveledSlog{logger})
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(retryClient.HTTPClient.Transport)
	client := retryClient.StandardClient()
	client.Timeout = 20 * time.Second
	return client
}

func NewClient(host, token string, logger *slog.Logger) *Client {
	return &Client{
		Client:   *RobustHTTPClient(logger),
		Host:     strings.TrimSuffix(host, "/"),
		ApiToken: token,
	}
}

func (c *Client) post(ctx context.Context, model string, text string, out any) error {
	body, err := json.Marshal(textRequest{Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Host+"/"+model, bytes.NewReader(body))
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		scoringAPIDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}()

	if c.ApiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.ApiToken)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "moderation-warden/"+versioninfo.Short())

	res, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s scoring request failed: %w", model, err)
	}
	defer res.Body.Close()

	scoringAPICount.WithLabelValues(model, fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s scoring request failed statusCode=%d", model, res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s scoring resp body: %w", model, err)
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return fmt.Errorf("failed to parse %s scoring resp JSON: %w", model, err)
	}
	return nil
}

// Score returns label probabilities. Labels the service omits read as zero;
// labels outside the known set are dropped.
func (c *Client) Score(ctx context.Context, text string) (score.Vector, error) {
	var resp ToxicityResp
	if err := c.post(ctx, "toxicity", text, &resp); err != nil {
		return nil, err
	}
	out := score.Vector{}
	for _, l := range score.Labels {
		if v, ok := resp.Scores[l]; ok {
			out[l] = score.Clamp01(v)
		}
	}
	return out, nil
}

func (c *Client) Sarcasm(ctx context.Context, text string) (float64, error) {
	var resp SarcasmResp
	if err := c.post(ctx, "sarcasm", text, &resp); err != nil {
		return 0, err
	}
	return score.Clamp01(resp.Sarcasm), nil
}
