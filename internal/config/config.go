package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"

	"reportsync/internal/util"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for reportsync. It is constructed once
// by Load and passed explicitly into every component.
type Config struct {
	Storage      Storage        `yaml:"storage"`
	Server       Server         `yaml:"server"`
	ReportServer ReportServer   `yaml:"report_server"`
	Logging      Logging        `yaml:"logging"`
	Backfill     BackfillConfig `yaml:"backfill"`
	Reports      []Report       `yaml:"reports"`
}

// Storage holds paths for data persistence.
type Storage struct {
	ArchiveDir string `yaml:"archive_dir"`
	MasterDir  string `yaml:"master_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds listener configuration for the status server.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// HTTPAddr returns the HTTP listen address.
func (s Server) HTTPAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr returns the gRPC listen address.
func (s Server) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

// MasterPath is where the report's consolidated sequence file lives.
func (s Storage) MasterPath(r *Report) string {
	return filepath.Join(s.MasterDir, r.Prefix+"_master.csv")
}

// ReportServer locates the upstream reporting server.
type ReportServer struct {
	Root    string        `yaml:"root"`
	Timeout time.Duration `yaml:"timeout"`
	// DateLayouts are the alternate date serializations tried, in order,
	// when the server rejects a parameter value.
	DateLayouts []string `yaml:"date_layouts"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BackfillConfig controls the run drivers.
type BackfillConfig struct {
	StopFile string        `yaml:"stop_file"`
	Interval time.Duration `yaml:"interval"`
	// FetchAttempts bounds in-iteration retries of a transient fetch error.
	// 1 means the stateless policy: fail the iteration, retry next time.
	FetchAttempts int           `yaml:"fetch_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	// MaxConsecutiveFailures opens the breaker and stops a continuous run
	// after that many failed iterations in a row. 0 retries forever.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	RateLimitPerMin        int `yaml:"rate_limit_per_min"`
}

// Field kinds of a report's flat record shape.
const (
	KindDay   = "day"
	KindHours = "hours"
	KindInt   = "int"
	KindText  = "text"
)

// OnExisting choices for an already-downloaded target.
const (
	OnExistingHalt = "halt"
	OnExistingSkip = "skip"
)

// Field is one named column of a report.
type Field struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// Params names the report parameters that carry the date. Exactly one shape
// is set: Date, Start+End, or Names (resolved from report metadata).
type Params struct {
	Date  string   `yaml:"date"`
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
	Names []string `yaml:"names"`
}

// Report describes one per-day report archive.
type Report struct {
	Name        string   `yaml:"name"`
	Prefix      string   `yaml:"prefix"`
	Path        string   `yaml:"path"`
	Format      string   `yaml:"format"`
	HeaderToken string   `yaml:"header_token"`
	Fields      []Field  `yaml:"fields"`
	NaturalKey  []string `yaml:"natural_key"`
	Table       string   `yaml:"table"`
	StartDate   string   `yaml:"start_date"`
	MinDate     string   `yaml:"min_date"`
	OnExisting  string   `yaml:"on_existing"`
	Params      Params   `yaml:"params"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// NewDefaultConfig returns a Config with default values filled in.
func NewDefaultConfig() *Config {
	return &Config{
		Storage: Storage{
			ArchiveDir: "./data/archive",
			MasterDir:  "./data/master",
			SQLitePath: "./data/reportsync.db",
		},
		Server: Server{
			Host:     "127.0.0.1",
			Port:     8080,
			GRPCPort: 9090,
		},
		ReportServer: ReportServer{
			Timeout:     30 * time.Minute,
			DateLayouts: []string{"2006-01-02", "01/02/2006", "1/2/2006"},
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Backfill: BackfillConfig{
			StopFile:      "STOP_BACKFILL.txt",
			Interval:      5 * time.Second,
			FetchAttempts: 1,
			RetryDelay:    10 * time.Second,
		},
	}
}

// applyReportDefaults fills per-report defaults that depend on other fields.
func applyReportDefaults(r *Report) {
	if r.Format == "" {
		r.Format = "CSV"
	}
	if r.OnExisting == "" {
		r.OnExisting = OnExistingHalt
	}
	if r.Table == "" {
		r.Table = tableName(r.Name)
	}
}

var nonIdent = regexp.MustCompile(`[^A-Za-z0-9_]+`)

func tableName(name string) string {
	t := nonIdent.ReplaceAllString(name, "_")
	if t == "" || (t[0] >= '0' && t[0] <= '9') {
		t = "r_" + t
	}
	return t
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, expands ${VAR}
// references, parses it over the defaults, applies environment variable
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	for i := range cfg.Reports {
		applyReportDefaults(&cfg.Reports[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}
	if v := os.Getenv("REPORTSYNC_ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}
	if v := os.Getenv("REPORTSYNC_MASTER_DIR"); v != "" {
		cfg.Storage.MasterDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("REPORT_SERVER_ROOT"); v != "" {
		cfg.ReportServer.Root = v
	}
	// SSRS_REPORTSERVER_ROOT wins over the generic name.
	if v := os.Getenv("SSRS_REPORTSERVER_ROOT"); v != "" {
		cfg.ReportServer.Root = v
	}

	if v := os.Getenv("REPORTSYNC_STOP_FILE"); v != "" {
		cfg.Backfill.StopFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// ErrNoReportServer is returned by RequireReportServer when no root is set.
var ErrNoReportServer = errors.New("report_server.root is not configured (set SSRS_REPORTSERVER_ROOT)")

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.ReportServer.Validate(); err != nil {
		return fmt.Errorf("report_server: %w", err)
	}
	if err := c.Backfill.Validate(); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	if len(c.Reports) == 0 {
		return errors.New("reports: at least one report is required")
	}
	seen := make(map[string]bool, len(c.Reports))
	for i := range c.Reports {
		r := &c.Reports[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("reports[%d] %q: %w", i, r.Name, err)
		}
		if seen[r.Name] {
			return fmt.Errorf("reports[%d]: duplicate report name %q", i, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// RequireReportServer fails when commands that fetch have no endpoint.
func (c *Config) RequireReportServer() error {
	if strings.TrimSpace(c.ReportServer.Root) == "" {
		return ErrNoReportServer
	}
	return nil
}

// Validate validates storage paths.
func (s *Storage) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.ArchiveDir, validation.Required),
		validation.Field(&s.MasterDir, validation.Required),
		validation.Field(&s.SQLitePath, validation.Required),
	)
}

// Validate validates listener ports.
func (s *Server) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.GRPCPort, validation.Min(0), validation.Max(65535)),
	)
}

// Validate validates the report server settings. Root is optional here; see
// RequireReportServer.
func (r *ReportServer) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Root, is.URL),
		validation.Field(&r.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&r.DateLayouts, validation.Required),
	)
}

// Validate validates driver settings.
func (b *BackfillConfig) Validate() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.StopFile, validation.Required),
		validation.Field(&b.Interval, validation.Min(time.Duration(0))),
		validation.Field(&b.FetchAttempts, validation.Min(1)),
		validation.Field(&b.MaxConsecutiveFailures, validation.Min(0)),
		validation.Field(&b.RateLimitPerMin, validation.Min(0)),
	)
}

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9.-]+(_[A-Za-z0-9.-]+)*$`)

// Validate validates a report definition.
func (r *Report) Validate() error {
	if err := validation.ValidateStruct(r,
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.Prefix, validation.Required, validation.Match(prefixPattern)),
		validation.Field(&r.Path, validation.Required),
		validation.Field(&r.HeaderToken, validation.Required),
		validation.Field(&r.Fields, validation.Required),
		validation.Field(&r.OnExisting, validation.In(OnExistingHalt, OnExistingSkip)),
		validation.Field(&r.StartDate, validation.By(optionalDay)),
		validation.Field(&r.MinDate, validation.By(optionalDay)),
	); err != nil {
		return err
	}

	names := make(map[string]bool, len(r.Fields))
	days := 0
	for i, f := range r.Fields {
		if err := validation.ValidateStruct(&r.Fields[i],
			validation.Field(&r.Fields[i].Name, validation.Required),
			validation.Field(&r.Fields[i].Kind, validation.Required, validation.In(KindDay, KindHours, KindInt, KindText)),
		); err != nil {
			return fmt.Errorf("fields[%d]: %w", i, err)
		}
		if names[f.Name] {
			return fmt.Errorf("fields[%d]: duplicate field %q", i, f.Name)
		}
		names[f.Name] = true
		if f.Kind == KindDay {
			days++
		}
	}
	if days != 1 {
		return fmt.Errorf("fields: exactly one %q field is required, found %d", KindDay, days)
	}
	for _, k := range r.NaturalKey {
		if !names[k] {
			return fmt.Errorf("natural_key: %q is not a declared field", k)
		}
	}

	if err := r.Params.Validate(); err != nil {
		return fmt.Errorf("params: %w", err)
	}

	if r.StartDate != "" && r.MinDate != "" {
		start, _ := util.ParseDay(r.StartDate)
		floor, _ := util.ParseDay(r.MinDate)
		if start.Before(floor) {
			return fmt.Errorf("start_date %s is before min_date %s", r.StartDate, r.MinDate)
		}
	}
	return nil
}

// Validate checks that exactly one parameter shape is configured.
func (p *Params) Validate() error {
	shapes := 0
	if p.Date != "" {
		shapes++
	}
	if p.Start != "" || p.End != "" {
		if p.Start == "" || p.End == "" {
			return errors.New("start and end must be set together")
		}
		shapes++
	}
	if len(p.Names) > 0 {
		shapes++
	}
	if shapes != 1 {
		return errors.New("exactly one of date, start/end or names must be set")
	}
	return nil
}

func optionalDay(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := util.ParseDay(s); err != nil {
		return errors.New("must be a YYYY-MM-DD date")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

// FindReport returns the named report. An empty name selects the only
// configured report.
func (c *Config) FindReport(name string) (*Report, error) {
	if name == "" {
		if len(c.Reports) == 1 {
			return &c.Reports[0], nil
		}
		return nil, fmt.Errorf("%d reports configured; choose one with --report", len(c.Reports))
	}
	for i := range c.Reports {
		if c.Reports[i].Name == name {
			return &c.Reports[i], nil
		}
	}
	return nil, fmt.Errorf("report %q is not configured", name)
}

// Start returns the configured start date, defaulting to today.
func (r *Report) Start(today time.Time) time.Time {
	if r.StartDate == "" {
		return util.Day(today)
	}
	d, err := util.ParseDay(r.StartDate)
	if err != nil {
		return util.Day(today)
	}
	return d
}

// Floor returns the configured minimum date, if any.
func (r *Report) Floor() (time.Time, bool) {
	if r.MinDate == "" {
		return time.Time{}, false
	}
	d, err := util.ParseDay(r.MinDate)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// FieldNames returns the ordered column names.
func (r *Report) FieldNames() []string {
	out := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = f.Name
	}
	return out
}
