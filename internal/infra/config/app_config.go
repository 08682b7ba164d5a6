// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int                 `yaml:"bufferSize"`
	FanoutWorkers FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

const defaultFanoutWorkers = 4

// FanoutWorkerSetting accepts either a positive integer or the symbols "auto" and "default".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	case "auto":
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto, value: 0}
		return nil
	case "default":
		*s = FanoutWorkerSetting{kind: fanoutWorkerDefault, value: 0}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// FanoutWorkerCount returns the resolved worker count.
func (c EventbusConfig) FanoutWorkerCount() int {
	switch c.FanoutWorkers.kind {
	case fanoutWorkerExplicit:
		return c.FanoutWorkers.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
	}
	return defaultFanoutWorkers
}

// APIServerConfig configures the local origin HTTP surface.
type APIServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

// UpstreamConfig describes the remote origin and its write endpoint.
type UpstreamConfig struct {
	BaseURL   string `yaml:"baseURL"`
	WritePath string `yaml:"writePath"`
	// RequestTimeout bounds each delivery. Unset means 30s; an explicit 0 disables the bound.
	RequestTimeout      *time.Duration    `yaml:"requestTimeout"`
	DeliveriesPerSecond float64           `yaml:"deliveriesPerSecond"`
	Headers             map[string]string `yaml:"headers"`
}

// Timeout returns the effective per-delivery timeout; zero means unbounded.
func (c UpstreamConfig) Timeout() time.Duration {
	if c.RequestTimeout == nil {
		return defaultRequestTimeout
	}
	return *c.RequestTimeout
}

// StoreConfig identifies the durable store.
type StoreConfig struct {
	Driver      StoreDriver   `yaml:"driver"`
	Dir         string        `yaml:"dir"`
	Name        string        `yaml:"name"`
	Version     int           `yaml:"version"`
	BusyTimeout time.Duration `yaml:"busyTimeout"`

	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
}

// CacheConfig controls request routing and cache buckets.
type CacheConfig struct {
	Version          string   `yaml:"version"`
	StaticPrefix     string   `yaml:"staticPrefix"`
	DynamicPrefix    string   `yaml:"dynamicPrefix"`
	Precache         []string `yaml:"precache"`
	OfflineDocument  string   `yaml:"offlineDocument"`
	MaxEntryBytes    int64    `yaml:"maxEntryBytes"`
	StaticPaths      []string `yaml:"staticPaths"`
	StaticExtensions []string `yaml:"staticExtensions"`
	APIPrefixes      []string `yaml:"apiPrefixes"`
	// ClassifierScript optionally points at a JavaScript file defining classify(req).
	ClassifierScript string `yaml:"classifierScript"`
}

// ConnectivityConfig controls the reachability prober.
type ConnectivityConfig struct {
	// ProbeURL defaults to the upstream base URL.
	ProbeURL      string        `yaml:"probeURL"`
	ProbeInterval time.Duration `yaml:"probeInterval"`
	ProbeTimeout  time.Duration `yaml:"probeTimeout"`
	MaxBackoff    time.Duration `yaml:"maxBackoff"`
}

// BackgroundConfig controls wake registration and dispatch.
type BackgroundConfig struct {
	WakeTag          string        `yaml:"wakeTag"`
	RetryMaxInterval time.Duration `yaml:"retryMaxInterval"`
}

// StatusConfig parameterises the status region.
type StatusConfig struct {
	ConnectionElement string        `yaml:"connectionElement"`
	SyncElement       string        `yaml:"syncElement"`
	ClearAfter        time.Duration `yaml:"clearAfter"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// AppConfig is the unified fieldcare configuration sourced from YAML.
type AppConfig struct {
	Environment  Environment        `yaml:"environment"`
	APIServer    APIServerConfig    `yaml:"apiServer"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Background   BackgroundConfig   `yaml:"background"`
	Status       StatusConfig       `yaml:"status"`
	Eventbus     EventbusConfig     `yaml:"eventbus"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultUpstream       = "http://localhost:8000"
)

// DefaultAppConfig returns a configuration with every default applied.
func DefaultAppConfig() AppConfig {
	var cfg AppConfig
	cfg.applyDefaults()
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// LoadOrDefault behaves like Load but falls back to DefaultAppConfig when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		def := DefaultAppConfig()
		return def, def.Validate()
	}
	return cfg, err
}

// Parse decodes, defaults and validates YAML configuration bytes.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if strings.TrimSpace(string(c.Environment)) == "" {
		c.Environment = EnvDev
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		c.APIServer.Addr = ":8080"
	}
	if c.APIServer.ReadHeaderTimeout <= 0 {
		c.APIServer.ReadHeaderTimeout = 5 * time.Second
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 10 * time.Second
	}

	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		c.Upstream.BaseURL = defaultUpstream
	}
	if strings.TrimSpace(c.Upstream.WritePath) == "" {
		c.Upstream.WritePath = "/api/care-logs"
	}

	if strings.TrimSpace(string(c.Store.Driver)) == "" {
		c.Store.Driver = DriverSQLite
	}
	if strings.TrimSpace(c.Store.Dir) == "" {
		c.Store.Dir = "data"
	}
	if strings.TrimSpace(c.Store.Name) == "" {
		c.Store.Name = "fieldcare-offline"
	}
	if c.Store.Version == 0 {
		c.Store.Version = 1
	}
	if c.Store.BusyTimeout <= 0 {
		c.Store.BusyTimeout = 5 * time.Second
	}
	if c.Store.MaxConns <= 0 {
		c.Store.MaxConns = 4
	}
	if c.Store.MaxConnLifetime <= 0 {
		c.Store.MaxConnLifetime = 30 * time.Minute
	}

	if strings.TrimSpace(c.Cache.Version) == "" {
		c.Cache.Version = "v1"
	}
	if strings.TrimSpace(c.Cache.StaticPrefix) == "" {
		c.Cache.StaticPrefix = "static"
	}
	if strings.TrimSpace(c.Cache.DynamicPrefix) == "" {
		c.Cache.DynamicPrefix = "dynamic"
	}
	if strings.TrimSpace(c.Cache.OfflineDocument) == "" {
		c.Cache.OfflineDocument = "/offline.html"
	}
	if len(c.Cache.Precache) == 0 {
		c.Cache.Precache = []string{"/", "/index.html"}
	}
	if c.Cache.MaxEntryBytes <= 0 {
		c.Cache.MaxEntryBytes = 5 << 20
	}
	if len(c.Cache.StaticExtensions) == 0 {
		c.Cache.StaticExtensions = []string{".html", ".css", ".js", ".png", ".svg", ".woff2", ".webmanifest"}
	}
	if len(c.Cache.APIPrefixes) == 0 {
		c.Cache.APIPrefixes = []string{"/api/"}
	}

	if strings.TrimSpace(c.Connectivity.ProbeURL) == "" {
		c.Connectivity.ProbeURL = c.Upstream.BaseURL
	}
	if c.Connectivity.ProbeInterval <= 0 {
		c.Connectivity.ProbeInterval = 30 * time.Second
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		c.Connectivity.ProbeTimeout = 5 * time.Second
	}
	if c.Connectivity.MaxBackoff <= 0 {
		c.Connectivity.MaxBackoff = 2 * time.Minute
	}

	if strings.TrimSpace(c.Background.WakeTag) == "" {
		c.Background.WakeTag = "carelog-sync"
	}
	if c.Background.RetryMaxInterval <= 0 {
		c.Background.RetryMaxInterval = 5 * time.Minute
	}

	if strings.TrimSpace(c.Status.ConnectionElement) == "" {
		c.Status.ConnectionElement = "connection-status"
	}
	if strings.TrimSpace(c.Status.SyncElement) == "" {
		c.Status.SyncElement = "sync-status"
	}
	if c.Status.ClearAfter <= 0 {
		c.Status.ClearAfter = 3 * time.Second
	}

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 64
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "fieldcare"
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 30 * time.Second
	}

	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)

	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	c.Upstream.WritePath = ensureLeadingSlash(c.Upstream.WritePath)
	if len(c.Upstream.Headers) > 0 {
		headers := make(map[string]string, len(c.Upstream.Headers))
		for k, v := range c.Upstream.Headers {
			if key := strings.TrimSpace(k); key != "" {
				headers[key] = strings.TrimSpace(v)
			}
		}
		c.Upstream.Headers = headers
	}

	c.Store.Driver = StoreDriver(strings.ToLower(strings.TrimSpace(string(c.Store.Driver))))
	c.Store.Dir = filepath.Clean(strings.TrimSpace(c.Store.Dir))
	c.Store.Name = strings.TrimSpace(c.Store.Name)
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)

	c.Cache.Version = strings.TrimSpace(c.Cache.Version)
	c.Cache.StaticPrefix = strings.TrimSpace(c.Cache.StaticPrefix)
	c.Cache.DynamicPrefix = strings.TrimSpace(c.Cache.DynamicPrefix)
	c.Cache.OfflineDocument = ensureLeadingSlash(c.Cache.OfflineDocument)
	c.Cache.Precache = normaliseList(c.Cache.Precache)
	c.Cache.StaticPaths = normaliseList(c.Cache.StaticPaths)
	c.Cache.APIPrefixes = normaliseList(c.Cache.APIPrefixes)
	exts := normaliseList(c.Cache.StaticExtensions)
	for i, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[i] = ext
	}
	c.Cache.StaticExtensions = normaliseList(exts)
	if script := strings.TrimSpace(c.Cache.ClassifierScript); script != "" {
		c.Cache.ClassifierScript = filepath.Clean(script)
	} else {
		c.Cache.ClassifierScript = ""
	}

	c.Connectivity.ProbeURL = strings.TrimSpace(c.Connectivity.ProbeURL)
	c.Background.WakeTag = strings.TrimSpace(c.Background.WakeTag)
	c.Status.ConnectionElement = strings.TrimSpace(c.Status.ConnectionElement)
	c.Status.SyncElement = strings.TrimSpace(c.Status.SyncElement)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}

	if err := validateAbsoluteURL(c.Upstream.BaseURL); err != nil {
		return fmt.Errorf("upstream baseURL: %w", err)
	}
	if c.Upstream.RequestTimeout != nil && *c.Upstream.RequestTimeout < 0 {
		return fmt.Errorf("upstream requestTimeout must be >= 0")
	}
	if c.Upstream.DeliveriesPerSecond < 0 {
		return fmt.Errorf("upstream deliveriesPerSecond must be >= 0")
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Name == "" {
			return fmt.Errorf("store name required")
		}
		if c.Store.Version <= 0 {
			return fmt.Errorf("store version must be > 0")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("store driver must be one of sqlite, postgres")
	}

	if c.Cache.Version == "" {
		return fmt.Errorf("cache version required")
	}
	if c.Cache.StaticPrefix == "" || c.Cache.DynamicPrefix == "" {
		return fmt.Errorf("cache bucket prefixes required")
	}
	if c.Cache.StaticPrefix == c.Cache.DynamicPrefix {
		return fmt.Errorf("cache staticPrefix and dynamicPrefix must differ")
	}
	if strings.Contains(c.Cache.Version, "/") {
		return fmt.Errorf("cache version must not contain '/'")
	}

	if err := validateAbsoluteURL(c.Connectivity.ProbeURL); err != nil {
		return fmt.Errorf("connectivity probeURL: %w", err)
	}
	if c.Background.WakeTag == "" {
		return fmt.Errorf("background wakeTag required")
	}
	if c.Status.ConnectionElement == c.Status.SyncElement {
		return fmt.Errorf("status element ids must differ")
	}
	if c.Eventbus.FanoutWorkerCount() <= 0 {
		return fmt.Errorf("eventbus fanoutWorkers must be >0")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	return nil
}

// SQLitePath returns the database file for the sqlite driver.
func (c StoreConfig) SQLitePath() string {
	return filepath.Join(c.Dir, fmt.Sprintf("%s-v%d.db", c.Name, c.Version))
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("host required, got %q", raw)
	}
	return nil
}

func ensureLeadingSlash(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
