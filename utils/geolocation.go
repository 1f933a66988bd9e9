package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oschwald/geoip2-golang"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	SourcePrivate   = "private"
	SourceDatabase  = "maxmind"
	SourceAPI       = "api"
	SourceHeuristic = "heuristic"
)

type GeoLocation struct {
	IP          string  `json:"ip"`
	Location    string  `json:"location"`
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Subdivision string  `json:"subdivision"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp,omitempty"`
	Source      string  `json:"source"`
}

type GeoOptions struct {
	DBPath     string
	APIBaseURL string
	Timeout    time.Duration
	// minimum spacing between external lookups, process-wide
	MinSpacing time.Duration
}

// GeoResolver maps IPs to coarse regions. Results, fallbacks included, are
// cached for the life of the process.
type GeoResolver struct {
	db         *geoip2.Reader
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	group      singleflight.Group
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]GeoLocation

	apiCalls atomic.Int64
}

// NewGeoResolver never fails on a missing database; it falls back to
// API-only mode.
func NewGeoResolver(opts GeoOptions, logger *slog.Logger) *GeoResolver {
	if logger == nil {
		logger = DiscardLogger()
	}
	logger = logger.With("component", "geoip")

	var db *geoip2.Reader
	if opts.DBPath != "" {
		var err error
		db, err = geoip2.Open(opts.DBPath)
		if err != nil {
			logger.Warn("could not open GeoIP database, using API fallback only", "path", opts.DBPath, "error", err)
			db = nil
		}
	}

	if opts.APIBaseURL == "" {
		opts.APIBaseURL = "http://ip-api.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	limit := rate.Inf
	if opts.MinSpacing > 0 {
		limit = rate.Every(opts.MinSpacing)
	}

	return &GeoResolver{
		db:         db,
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimSuffix(opts.APIBaseURL, "/"),
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
		cache:      make(map[string]GeoLocation),
	}
}

func (g *GeoResolver) Close() {
	if g != nil && g.db != nil {
		g.db.Close()
	}
}

// Location returns just the region label for ip.
func (g *GeoResolver) Location(ctx context.Context, ip string) string {
	return g.Resolve(ctx, ip).Location
}

// Resolve is safe to call on a nil resolver; it then only uses the
// first-octet heuristic.
func (g *GeoResolver) Resolve(ctx context.Context, ip string) GeoLocation {
	if g == nil {
		return heuristicLocation(ip)
	}

	g.mu.RLock()
	loc, ok := g.cache[ip]
	g.mu.RUnlock()
	if ok {
		return loc
	}

	v, _, _ := g.group.Do(ip, func() (interface{}, error) {
		g.mu.RLock()
		cached, ok := g.cache[ip]
		g.mu.RUnlock()
		if ok {
			return cached, nil
		}
		resolved := g.resolveUncached(ctx, ip)
		g.mu.Lock()
		g.cache[ip] = resolved
		g.mu.Unlock()
		return resolved, nil
	})
	return v.(GeoLocation)
}

func (g *GeoResolver) resolveUncached(ctx context.Context, ip string) GeoLocation {
	if IsPrivateIP(ip) {
		return GeoLocation{IP: ip, Location: LocationPrivate, Source: SourcePrivate}
	}
	if net.ParseIP(ip) == nil {
		return GeoLocation{IP: ip, Location: LocationUnknown, Source: SourceHeuristic}
	}

	if loc, ok := g.lookupDatabase(ip); ok {
		return loc
	}

	loc, err := g.fetchFromAPI(ctx, ip)
	if err != nil {
		g.logger.Debug("geo lookup failed, using heuristic", "ip", ip, "error", err)
		return heuristicLocation(ip)
	}
	return *loc
}

func (g *GeoResolver) lookupDatabase(ip string) (GeoLocation, bool) {
	if g.db == nil {
		return GeoLocation{}, false
	}
	record, err := g.db.City(net.ParseIP(ip))
	if err != nil || record.Country.IsoCode == "" {
		return GeoLocation{}, false
	}
	var subdivision string
	if len(record.Subdivisions) > 0 {
		subdivision = record.Subdivisions[0].IsoCode
	}
	country := record.Country.Names["en"]
	return GeoLocation{
		IP:          ip,
		Location:    RegionFor(record.Country.IsoCode, subdivision, country),
		Country:     country,
		CountryCode: record.Country.IsoCode,
		Subdivision: subdivision,
		City:        record.City.Names["en"],
		Lat:         record.Location.Latitude,
		Lon:         record.Location.Longitude,
		Source:      SourceDatabase,
	}, true
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Region      string  `json:"region"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
}

func (g *GeoResolver) fetchFromAPI(ctx context.Context, ip string) (*GeoLocation, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	g.apiCalls.Add(1)

	url := fmt.Sprintf("%s/json/%s?fields=status,message,country,countryCode,region,regionName,city,lat,lon,isp", g.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api error: %d", resp.StatusCode)
	}

	var apiResp ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, err
	}
	if apiResp.Status == "fail" {
		return nil, fmt.Errorf("api returned fail status: %s", apiResp.Message)
	}

	return &GeoLocation{
		IP:          ip,
		Location:    RegionFor(apiResp.CountryCode, apiResp.Region, apiResp.Country),
		Country:     apiResp.Country,
		CountryCode: apiResp.CountryCode,
		Subdivision: apiResp.Region,
		City:        apiResp.City,
		Lat:         apiResp.Lat,
		Lon:         apiResp.Lon,
		ISP:         apiResp.ISP,
		Source:      SourceAPI,
	}, nil
}

// ClearCache drops every cached result. Tests use it to start clean.
func (g *GeoResolver) ClearCache() {
	g.mu.Lock()
	g.cache = make(map[string]GeoLocation)
	g.mu.Unlock()
}

// CacheSize and APICalls expose counters for tests and the status endpoint.
func (g *GeoResolver) CacheSize() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cache)
}

func (g *GeoResolver) APICalls() int64 { return g.apiCalls.Load() }

func heuristicLocation(ip string) GeoLocation {
	if IsPrivateIP(ip) {
		return GeoLocation{IP: ip, Location: LocationPrivate, Source: SourcePrivate}
	}
	return GeoLocation{IP: ip, Location: RegionFromFirstOctet(ip), Source: SourceHeuristic}
}
