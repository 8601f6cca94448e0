package enrich

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "72h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return eris.Wrap(err, "enrich: duration must be a string")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return eris.Wrapf(err, "enrich: parse duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Policy is the enrichment waterfall configuration: which providers run,
// in what order, and under what spend and pacing limits.
type Policy struct {
	Defaults  PolicyDefaults   `yaml:"defaults"`
	Providers []ProviderPolicy `yaml:"providers"`
}

// PolicyDefaults holds limits applied to providers that don't set their own.
type PolicyDefaults struct {
	DailyLimit     int      `yaml:"daily_limit"`
	RequestTimeout Duration `yaml:"request_timeout"`
	Cooldown       Duration `yaml:"cooldown"`
	StaleLock      Duration `yaml:"stale_lock"`
}

// ProviderPolicy configures one provider in the waterfall chain.
type ProviderPolicy struct {
	Name           string   `yaml:"name"`
	DailyLimit     int      `yaml:"daily_limit"`
	RequestTimeout Duration `yaml:"request_timeout"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
}

// DefaultPolicy is used when no policy file is configured: the skip-trace
// provider alone, with the limits the paid plan allows.
func DefaultPolicy() *Policy {
	p := &Policy{
		Defaults: PolicyDefaults{
			DailyLimit:     500,
			RequestTimeout: Duration(30 * time.Second),
			Cooldown:       Duration(7 * 24 * time.Hour),
			StaleLock:      Duration(15 * time.Minute),
		},
		Providers: []ProviderPolicy{
			{Name: "batchdata"},
		},
	}
	p.fillProviderDefaults()
	return p
}

// fillProviderDefaults copies the policy-wide limits onto providers that
// don't set their own, so every entry carries a usable daily limit and
// request timeout.
func (p *Policy) fillProviderDefaults() {
	for i, pp := range p.Providers {
		if pp.DailyLimit == 0 {
			pp.DailyLimit = p.Defaults.DailyLimit
		}
		if pp.RequestTimeout == 0 {
			pp.RequestTimeout = p.Defaults.RequestTimeout
		}
		p.Providers[i] = pp
	}
}

// LoadPolicy reads an enrichment policy from a YAML file and fills in
// defaults for providers that omit their own limits.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: read policy %s", path)
	}

	var wrapper struct {
		Enrichment Policy `yaml:"enrichment"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "enrich: parse policy")
	}

	pol := &wrapper.Enrichment
	def := DefaultPolicy()
	if pol.Defaults.DailyLimit == 0 {
		pol.Defaults.DailyLimit = def.Defaults.DailyLimit
	}
	if pol.Defaults.RequestTimeout == 0 {
		pol.Defaults.RequestTimeout = def.Defaults.RequestTimeout
	}
	if pol.Defaults.Cooldown == 0 {
		pol.Defaults.Cooldown = def.Defaults.Cooldown
	}
	if pol.Defaults.StaleLock == 0 {
		pol.Defaults.StaleLock = def.Defaults.StaleLock
	}
	if len(pol.Providers) == 0 {
		pol.Providers = []ProviderPolicy{{Name: "batchdata"}}
	}
	pol.fillProviderDefaults()
	return pol, nil
}

// ProviderFor returns the policy entry for a provider name, or nil when
// the provider is not part of the waterfall.
func (p *Policy) ProviderFor(name string) *ProviderPolicy {
	for i := range p.Providers {
		if p.Providers[i].Name == name {
			return &p.Providers[i]
		}
	}
	return nil
}
