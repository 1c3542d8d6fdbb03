package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loadtest-orchestrator/internal/config"
	"github.com/loadtest-orchestrator/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Matches IP:PORT with an optional scheme prefix
var endpointRegex = regexp.MustCompile(`(?:(socks5|socks4|https?)://)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{2,5})`)

// HTTPSource fetches candidate endpoints from configured plain-text list URLs.
// It is the external proxy-source collaborator behind the Lister interface.
type HTTPSource struct {
	cfg     config.ProxyConfig
	metrics *metrics.Collector
	client  *http.Client
}

func NewHTTPSource(cfg config.ProxyConfig, metricsCollector *metrics.Collector) *HTTPSource {
	return &HTTPSource{
		cfg:     cfg,
		metrics: metricsCollector,
		client: &http.Client{
			Timeout: time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch downloads every enabled source configured for the protocol and
// returns the parsed, deduplicated candidates.
func (s *HTTPSource) Fetch(ctx context.Context, protocol Protocol) ([]Endpoint, error) {
	sources := make([]config.Source, 0, len(s.cfg.Sources))
	for _, src := range s.cfg.Sources {
		if src.Enabled && src.Protocol == string(protocol) {
			sources = append(sources, src)
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no enabled sources for protocol %s", protocol)
	}

	var all []Endpoint
	for _, src := range sources {
		start := time.Now()
		endpoints, err := s.fetchOne(ctx, src, protocol)
		if err != nil {
			log.Warnf("Source %s failed: %v (took %v)", src.URL, err, time.Since(start))
			continue
		}

		log.Infof("Source %s returned %d endpoints (took %v)", src.URL, len(endpoints), time.Since(start))
		s.metrics.RecordProxiesFetched(src.URL, len(endpoints))
		all = append(all, endpoints...)
	}

	return dedupe(all), nil
}

func (s *HTTPSource) fetchOne(ctx context.Context, src config.Source, protocol Protocol) ([]Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	// Limit body read to 10MB
	return parseEndpoints(io.LimitReader(resp.Body, 10*1024*1024), protocol)
}

func parseEndpoints(r io.Reader, protocol Protocol) ([]Endpoint, error) {
	endpoints := make([]Endpoint, 0)
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		matches := endpointRegex.FindStringSubmatch(line)
		if len(matches) < 4 {
			continue
		}

		port, err := strconv.Atoi(matches[3])
		if err != nil || port < 1 || port > 65535 {
			continue
		}

		endpoints = append(endpoints, Endpoint{
			Address:  matches[2],
			Port:     port,
			Protocol: protocol,
			Health:   HealthUnvalidated,
		})
	}

	if err := scanner.Err(); err != nil {
		return endpoints, fmt.Errorf("scan: %w", err)
	}

	return endpoints, nil
}

func dedupe(endpoints []Endpoint) []Endpoint {
	seen := make(map[string]struct{}, len(endpoints))
	unique := make([]Endpoint, 0, len(endpoints))

	for _, ep := range endpoints {
		key := ep.HostPort()
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			unique = append(unique, ep)
		}
	}

	return unique
}
