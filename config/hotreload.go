package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// Reloadable field registry
// =============================================================================

// ErrFieldNotReloadable reports an update to a field outside the
// reloadable registry.
var ErrFieldNotReloadable = errors.New("field is not hot reloadable")

// ReloadableField describes a configuration field that may change
// while the process runs.
type ReloadableField struct {
	// Description shown by the admin API
	Description string
	// Restart means the new value is stored but only takes effect on
	// the next start
	Restart bool
	// Sensitive values are redacted in logs, the change log and API
	// output
	Sensitive bool
}

// reloadableFields maps dotted Go field paths to their reload
// behavior. Paths use exported struct field names, e.g. "Log.Level".
var reloadableFields = map[string]ReloadableField{
	"Log.Level":  {Description: "log verbosity: debug, info, warn or error"},
	"Log.Format": {Description: "log encoding: json or console"},

	"Authority.Timeout":    {Description: "authority request timeout"},
	"Authority.RetryCount": {Description: "authority retry attempts"},
	"Authority.RetryDelay": {Description: "base delay between authority retries"},
	"Authority.ProbeTTL":   {Description: "connectivity verdict cache lifetime"},
	"Authority.Token":      {Description: "authority bearer token", Restart: true, Sensitive: true},
	"Authority.Secret":     {Description: "session token signing secret", Restart: true, Sensitive: true},

	"Telemetry.Enabled":    {Description: "OTLP export toggle"},
	"Telemetry.SampleRate": {Description: "trace sample rate"},

	"Compat.Enabled": {Description: "plugin compatibility scan toggle"},

	"Agent.Mode": {Description: "operating mode: disconnected or synced", Restart: true},

	"Server.HTTPPort":     {Description: "HTTP listen port", Restart: true},
	"Server.MetricsPort":  {Description: "metrics listen port", Restart: true},
	"Server.ReadTimeout":  {Description: "HTTP read timeout", Restart: true},
	"Server.WriteTimeout": {Description: "HTTP write timeout", Restart: true},
	"Server.RateLimitRPS": {Description: "per-IP request rate limit"},
	"Server.TLSCertFile":  {Description: "TLS certificate file", Restart: true},
	"Server.TLSKeyFile":   {Description: "TLS private key file", Restart: true},

	"Database.Host":     {Description: "database host"},
	"Database.Port":     {Description: "database port"},
	"Database.Password": {Description: "database password", Sensitive: true},

	"Redis.Addr":     {Description: "redis address"},
	"Redis.Password": {Description: "redis password", Sensitive: true},

	"Archive.URI": {Description: "MongoDB archive connection string", Restart: true, Sensitive: true},
}

// =============================================================================
// Change log
// =============================================================================

// ConfigChange records one applied or rejected configuration change.
type ConfigChange struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	Field   string    `json:"field,omitempty"`
	From    any       `json:"from,omitempty"`
	To      any       `json:"to,omitempty"`
	Restart bool      `json:"restart,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// changeLogCap bounds the in-memory change history.
const changeLogCap = 500

// =============================================================================
// Reloader
// =============================================================================

// Reloader owns the live configuration. It applies full replacements
// from the config file and single-field updates from the admin API,
// keeps one previous generation for rollback, and notifies registered
// callbacks after every swap. A callback returning an error vetoes the
// change and restores the previous configuration.
type Reloader struct {
	// applyMu serializes whole apply cycles, callbacks included.
	applyMu sync.Mutex
	// mu guards the fields below.
	mu        sync.RWMutex
	current   *Config
	previous  *Config
	callbacks []func(old, cur *Config) error
	changes   []ConfigChange

	path    string
	watcher *fileWatcher
	logger  *zap.Logger
}

// ReloadOption customizes a Reloader.
type ReloadOption func(*Reloader)

// WithReloadLogger sets the logger.
func WithReloadLogger(logger *zap.Logger) ReloadOption {
	return func(r *Reloader) {
		if logger != nil {
			r.logger = logger.Named("config")
		}
	}
}

// WithReloadPath sets the config file to watch and reload from.
func WithReloadPath(path string) ReloadOption {
	return func(r *Reloader) {
		r.path = path
	}
}

// NewReloader wraps cfg for runtime reloading. The configuration is
// copied; the caller's value is not aliased.
func NewReloader(cfg *Config, opts ...ReloadOption) (*Reloader, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}

	r := &Reloader{
		current: copyConfig(cfg),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start begins watching the config file. Without a path there is
// nothing to watch and Start is a no-op; API updates still work.
func (r *Reloader) Start() error {
	if r.path == "" {
		return nil
	}

	r.watcher = newFileWatcher(r.path, func(ev fileEvent) {
		if ev.Kind == fileRemoved {
			r.logger.Warn("config file removed, keeping current configuration",
				zap.String("path", ev.Path))
			return
		}
		if err := r.Reload(); err != nil {
			r.logger.Warn("config reload failed", zap.Error(err))
		}
	}, r.logger)

	return r.watcher.start()
}

// Stop halts the file watcher.
func (r *Reloader) Stop() {
	if r.watcher != nil {
		r.watcher.close()
	}
}

// OnReload registers a callback invoked after each applied change with
// the old and new configuration. Returning an error rolls the change
// back.
func (r *Reloader) OnReload(cb func(old, cur *Config) error) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current returns a copy of the live configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyConfig(r.current)
}

// Reload loads the config file from disk and applies it.
func (r *Reloader) Reload() error {
	if r.path == "" {
		return errors.New("no config path configured")
	}

	next, err := NewLoader().WithConfigPath(r.path).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return r.Apply(next, "file")
}

// Apply validates next and swaps it in as the live configuration,
// recording the per-field diff under the given source. An equal
// configuration is a no-op.
func (r *Reloader) Apply(next *Config, source string) error {
	if next == nil {
		return errors.New("config must not be nil")
	}
	if err := next.Validate(); err != nil {
		return err
	}

	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.Lock()
	old := r.current
	diffs := diffConfigs(old, next)
	if len(diffs) == 0 {
		r.mu.Unlock()
		r.logger.Debug("config unchanged", zap.String("source", source))
		return nil
	}

	now := time.Now()
	for _, d := range diffs {
		meta := reloadableFields[d.path]
		from, to := redact(d.path, meta, d.old), redact(d.path, meta, d.new)
		r.record(ConfigChange{
			At:      now,
			Source:  source,
			Field:   d.path,
			From:    from,
			To:      to,
			Restart: meta.Restart,
		})
		r.logger.Info("config field changed",
			zap.String("source", source),
			zap.String("field", d.path),
			zap.Any("from", from),
			zap.Any("to", to),
			zap.Bool("restart", meta.Restart),
		)
	}
	r.previous = old
	r.current = copyConfig(next)
	cur := r.current
	cbs := make([]func(old, cur *Config) error, len(r.callbacks))
	copy(cbs, r.callbacks)
	r.mu.Unlock()

	for _, cb := range cbs {
		if err := runReloadCallback(cb, old, cur); err != nil {
			r.rollback(err)
			return fmt.Errorf("reload rejected: %w", err)
		}
	}
	return nil
}

// UpdateField applies one registry field change to the live
// configuration. The path uses exported field names, e.g.
// "Authority.Timeout". Durations accept strings like "30s".
func (r *Reloader) UpdateField(path string, value any) error {
	if _, ok := reloadableFields[path]; !ok {
		return fmt.Errorf("%w: %s", ErrFieldNotReloadable, path)
	}

	next := r.Current()
	if err := setField(next, path, value); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return r.Apply(next, "api")
}

// Reloadable returns the registry entry for path.
func Reloadable(path string) (ReloadableField, bool) {
	f, ok := reloadableFields[path]
	return f, ok
}

// rollback restores the previous configuration after a callback
// rejected a swap.
func (r *Reloader) rollback(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.previous == nil {
		return
	}
	r.current, r.previous = r.previous, nil
	r.record(ConfigChange{
		At:     time.Now(),
		Source: "rollback",
		Error:  cause.Error(),
	})
	r.logger.Warn("config rolled back", zap.Error(cause))
}

func (r *Reloader) record(c ConfigChange) {
	r.changes = append(r.changes, c)
	if len(r.changes) > changeLogCap {
		r.changes = r.changes[len(r.changes)-changeLogCap:]
	}
}

// ChangeLog returns up to limit changes, newest first. limit <= 0
// returns everything retained.
func (r *Reloader) ChangeLog(limit int) []ConfigChange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.changes)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ConfigChange, limit)
	for i := 0; i < limit; i++ {
		out[i] = r.changes[n-1-i]
	}
	return out
}

// FieldStatus is one reloadable field with its live value.
type FieldStatus struct {
	Path        string `json:"path"`
	Description string `json:"description"`
	Restart     bool   `json:"restart,omitempty"`
	Sensitive   bool   `json:"sensitive,omitempty"`
	// Value is omitted for sensitive fields
	Value any `json:"value,omitempty"`
}

// Fields lists the reloadable registry with current values, sorted by
// path. Sensitive values are withheld.
func (r *Reloader) Fields() []FieldStatus {
	r.mu.RLock()
	cfg := r.current
	out := make([]FieldStatus, 0, len(reloadableFields))
	for path, meta := range reloadableFields {
		fs := FieldStatus{
			Path:        path,
			Description: meta.Description,
			Restart:     meta.Restart,
			Sensitive:   meta.Sensitive,
		}
		if !meta.Sensitive {
			if v, err := fieldValue(cfg, path); err == nil {
				fs.Value = v
			}
		}
		out = append(out, fs)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Snapshot renders the live configuration as a map with sensitive
// values redacted, for the admin API and diagnostics.
func (r *Reloader) Snapshot() map[string]any {
	r.mu.RLock()
	data, err := json.Marshal(r.current)
	r.mu.RUnlock()
	if err != nil {
		return map[string]any{}
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	redactMap(m)
	return m
}

func runReloadCallback(cb func(old, cur *Config) error, old, cur *Config) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reload callback panicked: %v", p)
		}
	}()
	return cb(old, cur)
}

// =============================================================================
// Reflection helpers
// =============================================================================

type fieldDiff struct {
	path string
	old  any
	new  any
}

// diffConfigs walks both structs in parallel and returns the leaf
// fields whose values differ.
func diffConfigs(old, next *Config) []fieldDiff {
	var diffs []fieldDiff
	diffValue(reflect.ValueOf(old).Elem(), reflect.ValueOf(next).Elem(), "", &diffs)
	return diffs
}

func diffValue(old, next reflect.Value, prefix string, diffs *[]fieldDiff) {
	t := old.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}

		ov, nv := old.Field(i), next.Field(i)
		// time.Duration is an int64, not a struct, so it lands in the
		// leaf branch.
		if f.Type.Kind() == reflect.Struct {
			diffValue(ov, nv, path, diffs)
			continue
		}
		if !reflect.DeepEqual(ov.Interface(), nv.Interface()) {
			*diffs = append(*diffs, fieldDiff{path: path, old: ov.Interface(), new: nv.Interface()})
		}
	}
}

// fieldValue resolves a dotted field path against cfg.
func fieldValue(cfg *Config, path string) (any, error) {
	v := reflect.ValueOf(cfg).Elem()
	for _, name := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return nil, fmt.Errorf("invalid field path: %s", path)
		}
		v = v.FieldByName(name)
		if !v.IsValid() {
			return nil, fmt.Errorf("unknown field: %s", path)
		}
	}
	return v.Interface(), nil
}

// setField assigns value to the dotted field path on cfg, converting
// JSON numbers and duration strings to the field's type.
func setField(cfg *Config, path string, value any) error {
	v := reflect.ValueOf(cfg).Elem()
	for _, name := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return fmt.Errorf("invalid field path: %s", path)
		}
		v = v.FieldByName(name)
		if !v.IsValid() {
			return fmt.Errorf("unknown field: %s", path)
		}
	}
	if !v.CanSet() {
		return fmt.Errorf("field %s cannot be set", path)
	}
	if value == nil {
		return errors.New("value must not be null")
	}

	if v.Type() == reflect.TypeOf(time.Duration(0)) {
		if s, ok := value.(string); ok {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid duration %q", s)
			}
			v.SetInt(int64(d))
			return nil
		}
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(v.Type()):
		v.Set(rv)
	case v.Kind() == reflect.String || rv.Kind() == reflect.String:
		// Numeric to string converts by code point; never do that here.
		return fmt.Errorf("cannot assign %T to %s", value, v.Type())
	case rv.Type().ConvertibleTo(v.Type()):
		v.Set(rv.Convert(v.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", value, v.Type())
	}
	return nil
}

// =============================================================================
// Redaction
// =============================================================================

const redacted = "[REDACTED]"

// redact hides sensitive values. The registry flag covers known
// fields; the key heuristic catches unregistered ones that still look
// like credentials, e.g. Backends.Hosting.Token arriving via a file
// reload.
func redact(path string, meta ReloadableField, v any) any {
	if meta.Sensitive || sensitiveKey(path) {
		return redacted
	}
	return v
}

// sensitiveKey matches map keys that must never leave the process in
// clear text.
func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "credential", "uri"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

func redactMap(m map[string]any) {
	for k, v := range m {
		if sensitiveKey(k) {
			if s, ok := v.(string); !ok || s != "" {
				m[k] = redacted
			}
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			redactMap(nested)
		}
	}
}

// copyConfig deep-copies a Config through JSON.
func copyConfig(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		out := *cfg
		return &out
	}
	out := new(Config)
	if err := json.Unmarshal(data, out); err != nil {
		shallow := *cfg
		return &shallow
	}
	return out
}
