package scraper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/apexcomponents/andonstack/agent/internal/config"
	"github.com/apexcomponents/andonstack/pkg/types"
)

const defaultScrapeTimeout = 10 * time.Second

// Emit receives every record a source produces. It must not block for long;
// the shipper's Ship is the intended implementation.
type Emit func(types.TelemetryRecord)

// Source is a running telemetry source. Run blocks until ctx is cancelled or
// the source fails permanently.
type Source interface {
	ID() string
	Run(ctx context.Context, emit Emit) error
}

// Scraper is implemented by pull-based sources. One call returns the current
// reading of every machine behind the endpoint.
type Scraper interface {
	Scrape(ctx context.Context) ([]types.TelemetryRecord, error)
}

// New returns the Source for src. Gateway sources are polled every interval;
// MQTT sources push records as messages arrive.
func New(src config.Source, interval time.Duration) (Source, error) {
	switch src.Type {
	case config.SourceGateway:
		client, err := buildHTTPClient(src)
		if err != nil {
			return nil, fmt.Errorf("scraper %q: build http client: %w", src.ID, err)
		}
		return &poller{
			id:       src.ID,
			interval: interval,
			scraper:  &gatewayScraper{src: src, client: client},
		}, nil
	case config.SourceMQTT:
		return newMQTTSource(src)
	default:
		return nil, fmt.Errorf("scraper: unsupported type %q", src.Type)
	}
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.EffectiveHeader(), t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildTLSConfig returns the client TLS settings for src. Client
// certificates are only loaded in mtls mode.
func buildTLSConfig(src config.Source) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if src.Auth.Mode != "mtls" {
		return tlsCfg, nil
	}

	cert, err := tls.LoadX509KeyPair(src.Auth.CertFile, src.Auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}

	if src.Auth.CAFile != "" {
		caPEM, err := os.ReadFile(src.Auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs found in ca file %q", src.Auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func buildHTTPClient(src config.Source) (*http.Client, error) {
	tlsCfg, err := buildTLSConfig(src)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg},
			auth: src.Auth,
		},
		Timeout: defaultScrapeTimeout,
	}, nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r. A partial result
// with a trailing parse error is still returned.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// metricValue reads a counter, gauge or untyped sample.
func metricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue(), true
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue(), true
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue(), true
	}
	return 0, false
}

// label returns the value of the named label, or "".
func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// poller adapts a Scraper to a Source by calling it every interval.
type poller struct {
	id       string
	interval time.Duration
	scraper  Scraper
}

func (p *poller) ID() string { return p.id }

// Run scrapes immediately and then on every tick. Scrape errors are logged
// and do not stop the loop.
func (p *poller) Run(ctx context.Context, emit Emit) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		p.once(ctx, emit)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (p *poller) once(ctx context.Context, emit Emit) {
	recs, err := p.scraper.Scrape(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logScrapeError(p.id, err)
		}
		return
	}
	for _, r := range recs {
		emit(r)
	}
}
