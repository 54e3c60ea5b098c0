// Package alerts consumes escalation streams and routes new escalations to
// configured sinks with severity gating, fail-closed secret resolution and
// exactly-once offset semantics.
package alerts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsmgr/control-plane/engine/internal/repo"
	"github.com/opsmgr/control-plane/engine/internal/telemetry/logging"
	"github.com/opsmgr/control-plane/engine/models"
)

// SinksFileEnv names the environment variable pointing at the alert sinks
// config when no explicit path is given.
const SinksFileEnv = "OPS_MANAGER_ALERT_SINKS_FILE"

// Dispatch statuses.
const (
	StatusDispatched       = "dispatched"
	StatusNoNewEscalations = "no_new_escalations"
)

// ErrSinkSecretUnset aborts the whole dispatch when any enabled sink names an
// unset secret variable. Fail-closed: a misconfigured sink must not silently
// drop alerts.
var ErrSinkSecretUnset = errors.New("enabled sink secret variable unset")

// Sink declares one alert destination. urlEnv/tokenEnv name environment
// variables whose values supply the secret material; config files never
// carry secrets inline.
type Sink struct {
	Name           string `yaml:"name"`
	Enabled        bool   `yaml:"enabled"`
	Type           string `yaml:"type"` // webhook | stdout
	URLEnv         string `yaml:"url_env"`
	TokenEnv       string `yaml:"token_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MinSeverity    string `yaml:"min_severity"`
}

// Route binds an escalation category to sinks with its own severity floor.
type Route struct {
	Category    string   `yaml:"category"`
	MinSeverity string   `yaml:"min_severity"`
	Sinks       []string `yaml:"sinks"`
}

// Config is the alert-sinks config document.
type Config struct {
	Sinks  []Sink  `yaml:"sinks"`
	Routes []Route `yaml:"routes"`

	Defaults struct {
		MinSeverity string `yaml:"min_severity"`
	} `yaml:"defaults"`
}

// LoadConfig reads the sinks config from path, falling back to the
// OPS_MANAGER_ALERT_SINKS_FILE environment variable.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(SinksFileEnv)
	}
	if path == "" {
		return Config{}, errors.New("no alert sinks config: pass a path or set " + SinksFileEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read alert sinks config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse alert sinks config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces the fail-closed secret rule across all enabled sinks.
func (c Config) Validate() error {
	for _, s := range c.Sinks {
		if !s.Enabled {
			continue
		}
		if s.Type == "webhook" {
			if s.URLEnv == "" || os.Getenv(s.URLEnv) == "" {
				return fmt.Errorf("%w: sink %q url variable %q", ErrSinkSecretUnset, s.Name, s.URLEnv)
			}
			if s.TokenEnv != "" && os.Getenv(s.TokenEnv) == "" {
				return fmt.Errorf("%w: sink %q token variable %q", ErrSinkSecretUnset, s.Name, s.TokenEnv)
			}
		}
	}
	return nil
}

// dispatchState is the persisted alert-dispatch-state.json.
type dispatchState struct {
	SchemaVersion string `json:"schemaVersion"`
	LastOffset    int64  `json:"lastOffset"`
}

// escalationRow mirrors one line of escalations.jsonl.
type escalationRow struct {
	Timestamp   string   `json:"timestamp"`
	LoopID      string   `json:"loopId"`
	Category    string   `json:"category"`
	Severity    string   `json:"severity"`
	ReasonCodes []string `json:"reasonCodes"`
	TraceID     string   `json:"traceId"`
}

// Result summarizes one dispatch invocation.
type Result struct {
	Status          string `json:"status"`
	DispatchedCount int    `json:"dispatchedCount"`
	SkippedCount    int    `json:"skippedCount"`
	LastOffset      int64  `json:"lastOffset"`
}

// Options configures a dispatch pass.
type Options struct {
	Logger logging.Logger
	Now    func() time.Time

	// Deliver overrides sink delivery, for tests. The default posts
	// webhooks and prints stdout envelopes.
	Deliver func(ctx context.Context, sink Sink, payload []byte) error
}

var severityOrder = map[string]int{"warning": 1, "critical": 2}

// Dispatch reads escalations for loopID past the stored offset and routes
// each to its sinks. Duplicate offsets are never reprocessed; a run with no
// new lines returns no_new_escalations and writes nothing.
func Dispatch(ctx context.Context, r *repo.Repo, loopID string, cfg Config, opts Options) (Result, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(nil)
	}
	if opts.Deliver == nil {
		opts.Deliver = deliver
	}
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	st := dispatchState{SchemaVersion: models.SchemaVersion}
	if err := repo.ReadJSON(r.AlertDispatchStateFile(loopID), &st); err != nil && !errors.Is(err, repo.ErrAbsent) {
		return Result{}, err
	}

	var rows []escalationRow
	last := st.LastOffset
	err := repo.ReadJSONLFrom(r.EscalationsFile(loopID), st.LastOffset,
		func() any { return &escalationRow{} },
		func(line int64, v any) error {
			rows = append(rows, *v.(*escalationRow))
			last = line
			return nil
		})
	if err != nil {
		return Result{}, err
	}
	if len(rows) == 0 {
		return Result{Status: StatusNoNewEscalations, LastOffset: st.LastOffset}, nil
	}

	res := Result{Status: StatusDispatched, LastOffset: last}
	for _, row := range rows {
		dispatched, err := dispatchOne(ctx, r, loopID, cfg, row, opts)
		if err != nil {
			return Result{}, err
		}
		if dispatched {
			res.DispatchedCount++
		} else {
			res.SkippedCount++
		}
	}

	st.LastOffset = last
	if err := repo.WriteJSON(r.AlertDispatchStateFile(loopID), st); err != nil {
		return Result{}, err
	}
	return res, nil
}

// dispatchOne applies the category-then-route severity floors and fans the
// escalation out to each routed sink, appending one alerts.jsonl row per
// sink delivery attempt.
func dispatchOne(ctx context.Context, r *repo.Repo, loopID string, cfg Config, row escalationRow, opts Options) (bool, error) {
	route := routeFor(cfg, row.Category)
	floor := cfg.Defaults.MinSeverity
	if route != nil && route.MinSeverity != "" {
		floor = route.MinSeverity
	}
	if floor != "" && severityOrder[row.Severity] < severityOrder[floor] {
		return false, nil
	}

	payload, _ := repo.CanonicalJSON(map[string]any{
		"schemaVersion": models.SchemaVersion,
		"loopId":        loopID,
		"category":      row.Category,
		"severity":      row.Severity,
		"reasonCodes":   row.ReasonCodes,
		"traceId":       row.TraceID,
		"escalatedAt":   row.Timestamp,
	})

	dispatched := false
	for _, sink := range sinksFor(cfg, route) {
		if !sink.Enabled {
			continue
		}
		if sink.MinSeverity != "" && severityOrder[row.Severity] < severityOrder[sink.MinSeverity] {
			continue
		}
		deliverErr := opts.Deliver(ctx, sink, payload)
		status := "delivered"
		if deliverErr != nil {
			status = "delivery_failed"
			opts.Logger.ErrorCtx(ctx, "alert delivery failed", "sink", sink.Name, "error", deliverErr.Error())
		}
		if err := repo.AppendJSONL(r.AlertsTelemetryFile(loopID), map[string]any{
			"schemaVersion": models.SchemaVersion,
			"timestamp":     opts.Now().UTC().Format(time.RFC3339),
			"loopId":        loopID,
			"sink":          sink.Name,
			"category":      row.Category,
			"severity":      row.Severity,
			"status":        status,
			"traceId":       row.TraceID,
		}); err != nil {
			return false, err
		}
		dispatched = true
	}
	return dispatched, nil
}

func routeFor(cfg Config, category string) *Route {
	for i := range cfg.Routes {
		if cfg.Routes[i].Category == category {
			return &cfg.Routes[i]
		}
	}
	return nil
}

func sinksFor(cfg Config, route *Route) []Sink {
	if route == nil || len(route.Sinks) == 0 {
		return cfg.Sinks
	}
	var out []Sink
	for _, name := range route.Sinks {
		for _, s := range cfg.Sinks {
			if s.Name == name {
				out = append(out, s)
			}
		}
	}
	return out
}

func deliver(ctx context.Context, sink Sink, payload []byte) error {
	switch sink.Type {
	case "stdout":
		_, err := os.Stdout.Write(append(payload, '\n'))
		return err
	case "webhook":
		timeout := time.Duration(sink.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, os.Getenv(sink.URLEnv), bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if sink.TokenEnv != "" {
			req.Header.Set("Authorization", "Bearer "+os.Getenv(sink.TokenEnv))
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("sink %s: http %d", sink.Name, resp.StatusCode)
		}
		return nil
	default:
		return fmt.Errorf("unknown sink type %q", sink.Type)
	}
}
