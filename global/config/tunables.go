package config

import (
	"time"

	"PPRealtime/tools/errs"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Tunables are the settings that may change while the gateway is running.
// They arrive as a YAML document from the config center.
type Tunables struct {
	RateLimitMax           int           `mapstructure:"rate_limit_max"`
	RateLimitWindow        time.Duration `mapstructure:"rate_limit_window"`
	IdleTimeout            time.Duration `mapstructure:"idle_timeout"`
	SuppressDuplicateJoins bool          `mapstructure:"suppress_duplicate_joins"`
}

// ParseTunables overlays the keys present in doc on top of base.
// Unknown keys are rejected so a typo does not silently do nothing.
func ParseTunables(doc string, base Tunables) (Tunables, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal([]byte(doc), &raw); err != nil {
		return base, errs.WrapMsg(err, "parse tunables")
	}
	out := base
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return base, errs.Wrap(err)
	}
	if err := dec.Decode(raw); err != nil {
		return base, errs.WrapMsg(err, "decode tunables")
	}
	if out.RateLimitMax <= 0 {
		out.RateLimitMax = base.RateLimitMax
	}
	if out.RateLimitWindow <= 0 {
		out.RateLimitWindow = base.RateLimitWindow
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = base.IdleTimeout
	}
	return out, nil
}
