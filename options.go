package aiwarp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/platformatic/ai-warp-sub000/aierrors"
	"github.com/platformatic/ai-warp-sub000/provider"
	"github.com/platformatic/ai-warp-sub000/store/redisstore"
)

// Storage backend types.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Built-in provider names. A provider outside this set needs an explicit
// Client in its ProviderOptions.
const (
	ProviderOpenAI   = "openai"
	ProviderDeepSeek = "deepseek"
	ProviderGemini   = "gemini"
)

// Options configures an Engine.
type Options struct {
	// Providers maps provider names to their credentials or custom
	// adapters. At least one is required.
	Providers map[string]ProviderOptions `yaml:"providers"`
	// Models is the ordered list of configured models. At least one is
	// required; request candidates must come from this list.
	Models []ModelOptions `yaml:"models"`
	// Storage selects the backend. Defaults to in-memory.
	Storage StorageOptions `yaml:"storage"`
	// Limits are the engine-wide defaults, overridable per model.
	Limits Limits `yaml:"limits"`
	// Restore are the default recovery delays for errored models.
	Restore Restore `yaml:"restore"`
	// Logger is the structured log sink. Defaults to zap.NewNop().
	Logger *zap.Logger `yaml:"-"`
}

// ProviderOptions configures one upstream provider.
type ProviderOptions struct {
	APIKey string `yaml:"apiKey"`
	// BaseURL overrides the endpoint of a built-in adapter.
	BaseURL string `yaml:"baseUrl"`
	// Client plugs in a custom adapter, bypassing the built-ins.
	Client provider.Adapter `yaml:"-"`
}

// ModelOptions configures one model of a provider.
type ModelOptions struct {
	Provider string       `yaml:"provider"`
	Model    string       `yaml:"model"`
	Limits   *ModelLimits `yaml:"limits"`
	Restore  *Restore     `yaml:"restore"`
}

// ModelLimits overrides engine-wide limits for one model.
type ModelLimits struct {
	MaxTokens int   `yaml:"maxTokens"`
	Rate      *Rate `yaml:"rate"`
}

// Rate is a fixed-window rate limit.
type Rate struct {
	Max        int    `yaml:"max"`
	TimeWindow Window `yaml:"timeWindow"`
}

// Retry controls in-place retries against the same model.
type Retry struct {
	Max      int    `yaml:"max"`
	Interval Window `yaml:"interval"`
}

// Limits are the engine-wide request limits.
type Limits struct {
	MaxTokens         int    `yaml:"maxTokens"`
	Rate              Rate   `yaml:"rate"`
	RequestTimeout    Window `yaml:"requestTimeout"`
	Retry             Retry  `yaml:"retry"`
	HistoryExpiration Window `yaml:"historyExpiration"`
}

// Restore are the minimum delays before an errored model is reconsidered,
// indexed by failure reason.
type Restore struct {
	RateLimit                  Window `yaml:"rateLimit"`
	Retry                      Window `yaml:"retry"`
	Timeout                    Window `yaml:"timeout"`
	ProviderCommunicationError Window `yaml:"providerCommunicationError"`
	ProviderExceededError      Window `yaml:"providerExceededError"`
}

// StorageOptions selects and configures the storage backend.
type StorageOptions struct {
	Type  string             `yaml:"type"`
	Redis redisstore.Options `yaml:"redis"`
}

// Window is a time window: a non-negative number of milliseconds, or a
// string of the form "<n>(ms|s|m|h|d)". The zero Window is unset and takes
// the relevant default.
type Window struct {
	raw any
}

// WindowMs creates a Window of n milliseconds.
func WindowMs(n int64) Window { return Window{raw: n} }

// WindowString creates a Window from a "<n>(ms|s|m|h|d)" string.
func WindowString(s string) Window { return Window{raw: s} }

// WindowOf creates a Window from a duration.
func WindowOf(d time.Duration) Window { return Window{raw: d} }

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool { return w.raw == nil }

// Duration parses the window. Unset windows yield zero.
func (w Window) Duration() (time.Duration, error) {
	return parseWindow(w.raw)
}

// UnmarshalYAML accepts a number (milliseconds) or a window string.
func (w *Window) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		w.raw = asInt
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err == nil {
		w.raw = asString
		return nil
	}
	return aierrors.New(aierrors.CodeInvalidTimeWindowType, "time window must be a number or a string")
}

// UnmarshalJSON accepts a number (milliseconds) or a window string.
func (w *Window) UnmarshalJSON(b []byte) error {
	var asInt int64
	if err := json.Unmarshal(b, &asInt); err == nil {
		w.raw = asInt
		return nil
	}
	var asString string
	if err := json.Unmarshal(b, &asString); err == nil {
		w.raw = asString
		return nil
	}
	return aierrors.New(aierrors.CodeInvalidTimeWindowType, "time window must be a number or a string")
}

var windowPattern = regexp.MustCompile(`^(\d+)\s*([a-zA-Z]+)$`)

var windowUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
}

// parseWindow converts a raw window value to a duration. Negative and
// non-numeric values are rejected rather than silently accepted.
func parseWindow(v any) (time.Duration, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		if x < 0 {
			return 0, aierrors.New(aierrors.CodeInvalidTimeWindowFormat, "time window must not be negative")
		}
		return x, nil
	case int:
		return msWindow(int64(x))
	case int64:
		return msWindow(x)
	case float64:
		return msWindow(int64(x))
	case string:
		m := windowPattern.FindStringSubmatch(x)
		if m == nil {
			return 0, aierrors.Newf(aierrors.CodeInvalidTimeWindowFormat, "invalid time window %q", x)
		}
		unit, ok := windowUnits[m[2]]
		if !ok {
			return 0, aierrors.Newf(aierrors.CodeInvalidTimeWindowUnit, "invalid time window unit %q", m[2])
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, aierrors.Newf(aierrors.CodeInvalidTimeWindowFormat, "invalid time window %q", x)
		}
		return time.Duration(n) * unit, nil
	default:
		return 0, aierrors.Newf(aierrors.CodeInvalidTimeWindowType, "time window must be a number or a string, got %T", v)
	}
}

func msWindow(n int64) (time.Duration, error) {
	if n < 0 {
		return 0, aierrors.New(aierrors.CodeInvalidTimeWindowFormat, "time window must not be negative")
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Defaults applied by New when the corresponding option is unset.
const (
	DefaultRateMax           = 200
	DefaultRateWindow        = 30 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultRetryMax          = 1
	DefaultRetryInterval     = time.Second
	DefaultHistoryExpiration = 24 * time.Hour
	DefaultRestore           = time.Minute
	DefaultRestoreExceeded   = 10 * time.Minute
)

// limitsConfig is Limits with every window resolved.
type limitsConfig struct {
	maxTokens         int
	rateMax           int
	rateWindow        time.Duration
	requestTimeout    time.Duration
	retryMax          int
	retryInterval     time.Duration
	historyExpiration time.Duration
}

// restoreConfig is Restore with every window resolved.
type restoreConfig struct {
	rateLimit             time.Duration
	retry                 time.Duration
	timeout               time.Duration
	providerCommunication time.Duration
	providerExceeded      time.Duration
}

func resolveLimits(l Limits) (limitsConfig, error) {
	out := limitsConfig{
		maxTokens: l.MaxTokens,
		rateMax:   l.Rate.Max,
		retryMax:  l.Retry.Max,
	}
	if out.maxTokens < 0 {
		return out, aierrors.New(aierrors.CodeOption, "limits.maxTokens must not be negative")
	}
	if out.rateMax < 0 {
		return out, aierrors.New(aierrors.CodeOption, "limits.rate.max must not be negative")
	}
	if out.retryMax < 0 {
		return out, aierrors.New(aierrors.CodeOption, "limits.retry.max must not be negative")
	}
	if out.rateMax == 0 {
		out.rateMax = DefaultRateMax
	}
	if l.Retry.Max == 0 {
		out.retryMax = DefaultRetryMax
	}

	var err error
	if out.rateWindow, err = windowOrDefault(l.Rate.TimeWindow, DefaultRateWindow); err != nil {
		return out, optionErr("limits.rate.timeWindow", err)
	}
	if out.requestTimeout, err = windowOrDefault(l.RequestTimeout, DefaultRequestTimeout); err != nil {
		return out, optionErr("limits.requestTimeout", err)
	}
	if out.retryInterval, err = windowOrDefault(l.Retry.Interval, DefaultRetryInterval); err != nil {
		return out, optionErr("limits.retry.interval", err)
	}
	if out.historyExpiration, err = windowOrDefault(l.HistoryExpiration, DefaultHistoryExpiration); err != nil {
		return out, optionErr("limits.historyExpiration", err)
	}
	return out, nil
}

func resolveRestore(r Restore) (restoreConfig, error) {
	out := restoreConfig{}
	var err error
	if out.rateLimit, err = windowOrDefault(r.RateLimit, DefaultRestore); err != nil {
		return out, optionErr("restore.rateLimit", err)
	}
	if out.retry, err = windowOrDefault(r.Retry, DefaultRestore); err != nil {
		return out, optionErr("restore.retry", err)
	}
	if out.timeout, err = windowOrDefault(r.Timeout, DefaultRestore); err != nil {
		return out, optionErr("restore.timeout", err)
	}
	if out.providerCommunication, err = windowOrDefault(r.ProviderCommunicationError, DefaultRestore); err != nil {
		return out, optionErr("restore.providerCommunicationError", err)
	}
	if out.providerExceeded, err = windowOrDefault(r.ProviderExceededError, DefaultRestoreExceeded); err != nil {
		return out, optionErr("restore.providerExceededError", err)
	}
	return out, nil
}

func windowOrDefault(w Window, def time.Duration) (time.Duration, error) {
	if w.IsZero() {
		return def, nil
	}
	d, err := w.Duration()
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

func optionErr(field string, err error) error {
	if code := aierrors.CodeOf(err); code != "" && code != aierrors.CodeOption {
		return err
	}
	return aierrors.Wrap(aierrors.CodeOption, fmt.Sprintf("invalid option %s", field), err)
}
