package aiwarp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/platformatic/ai-warp-sub000/aierrors"
)

func TestWindowParsing(t *testing.T) {
	cases := []struct {
		name string
		in   Window
		want time.Duration
	}{
		{"milliseconds number", WindowMs(1500), 1500 * time.Millisecond},
		{"milliseconds unit", WindowString("100ms"), 100 * time.Millisecond},
		{"seconds", WindowString("10s"), 10 * time.Second},
		{"minutes", WindowString("5m"), 5 * time.Minute},
		{"hours", WindowString("2h"), 2 * time.Hour},
		{"days", WindowString("1d"), 24 * time.Hour},
		{"space before unit", WindowString("3 s"), 3 * time.Second},
		{"duration value", WindowOf(42 * time.Second), 42 * time.Second},
		{"unset", Window{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := tc.in.Duration()
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)
		})
	}
}

func TestWindowRejections(t *testing.T) {
	cases := []struct {
		name string
		in   Window
		code string
	}{
		{"negative number", WindowMs(-5), aierrors.CodeInvalidTimeWindowFormat},
		{"negative duration", WindowOf(-time.Second), aierrors.CodeInvalidTimeWindowFormat},
		{"garbage string", WindowString("soon"), aierrors.CodeInvalidTimeWindowFormat},
		{"bare numeric string", WindowString("250"), aierrors.CodeInvalidTimeWindowFormat},
		{"unit without number", WindowString("s10"), aierrors.CodeInvalidTimeWindowFormat},
		{"unknown unit", WindowString("10y"), aierrors.CodeInvalidTimeWindowUnit},
		{"wrong type", Window{raw: []string{"10s"}}, aierrors.CodeInvalidTimeWindowType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.in.Duration()
			require.Error(t, err)
			assert.Equal(t, tc.code, aierrors.CodeOf(err))
		})
	}
}

func TestWindowUnmarshal(t *testing.T) {
	t.Run("yaml number and string", func(t *testing.T) {
		var cfg struct {
			A Window `yaml:"a"`
			B Window `yaml:"b"`
		}
		require.NoError(t, yaml.Unmarshal([]byte("a: 500\nb: 2m\n"), &cfg))
		da, err := cfg.A.Duration()
		require.NoError(t, err)
		assert.Equal(t, 500*time.Millisecond, da)
		db, err := cfg.B.Duration()
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, db)
	})
	t.Run("json number and string", func(t *testing.T) {
		var cfg struct {
			A Window `json:"a"`
			B Window `json:"b"`
		}
		require.NoError(t, json.Unmarshal([]byte(`{"a":750,"b":"1h"}`), &cfg))
		da, err := cfg.A.Duration()
		require.NoError(t, err)
		assert.Equal(t, 750*time.Millisecond, da)
		db, err := cfg.B.Duration()
		require.NoError(t, err)
		assert.Equal(t, time.Hour, db)
	})
	t.Run("yaml wrong type", func(t *testing.T) {
		var cfg struct {
			A Window `yaml:"a"`
		}
		err := yaml.Unmarshal([]byte("a: [1, 2]\n"), &cfg)
		require.Error(t, err)
	})
}

func TestResolveLimitsDefaults(t *testing.T) {
	lc, err := resolveLimits(Limits{})
	require.NoError(t, err)
	assert.Equal(t, 0, lc.maxTokens)
	assert.Equal(t, DefaultRateMax, lc.rateMax)
	assert.Equal(t, DefaultRateWindow, lc.rateWindow)
	assert.Equal(t, DefaultRequestTimeout, lc.requestTimeout)
	assert.Equal(t, DefaultRetryMax, lc.retryMax)
	assert.Equal(t, DefaultRetryInterval, lc.retryInterval)
	assert.Equal(t, DefaultHistoryExpiration, lc.historyExpiration)
}

func TestResolveLimitsOverrides(t *testing.T) {
	lc, err := resolveLimits(Limits{
		MaxTokens:         500,
		Rate:              Rate{Max: 3, TimeWindow: WindowString("10s")},
		RequestTimeout:    WindowMs(5000),
		Retry:             Retry{Max: 2, Interval: WindowString("100ms")},
		HistoryExpiration: WindowString("1h"),
	})
	require.NoError(t, err)
	assert.Equal(t, 500, lc.maxTokens)
	assert.Equal(t, 3, lc.rateMax)
	assert.Equal(t, 10*time.Second, lc.rateWindow)
	assert.Equal(t, 5*time.Second, lc.requestTimeout)
	assert.Equal(t, 2, lc.retryMax)
	assert.Equal(t, 100*time.Millisecond, lc.retryInterval)
	assert.Equal(t, time.Hour, lc.historyExpiration)
}

func TestResolveLimitsRejections(t *testing.T) {
	t.Run("negative maxTokens", func(t *testing.T) {
		_, err := resolveLimits(Limits{MaxTokens: -1})
		assert.Equal(t, aierrors.CodeOption, aierrors.CodeOf(err))
	})
	t.Run("negative rate max", func(t *testing.T) {
		_, err := resolveLimits(Limits{Rate: Rate{Max: -1}})
		assert.Equal(t, aierrors.CodeOption, aierrors.CodeOf(err))
	})
	t.Run("bad window keeps its code", func(t *testing.T) {
		_, err := resolveLimits(Limits{RequestTimeout: WindowString("10y")})
		assert.Equal(t, aierrors.CodeInvalidTimeWindowUnit, aierrors.CodeOf(err))
	})
}

func TestResolveRestoreDefaults(t *testing.T) {
	rc, err := resolveRestore(Restore{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRestore, rc.rateLimit)
	assert.Equal(t, DefaultRestore, rc.retry)
	assert.Equal(t, DefaultRestore, rc.timeout)
	assert.Equal(t, DefaultRestore, rc.providerCommunication)
	assert.Equal(t, DefaultRestoreExceeded, rc.providerExceeded)
}

func TestResolveRestoreOverrides(t *testing.T) {
	rc, err := resolveRestore(Restore{
		RateLimit:             WindowString("5s"),
		ProviderExceededError: WindowString("30m"),
	})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, rc.rateLimit)
	assert.Equal(t, DefaultRestore, rc.retry)
	assert.Equal(t, 30*time.Minute, rc.providerExceeded)
}
