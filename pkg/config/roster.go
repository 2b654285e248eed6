package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AccountSpec describes one trading account in the roster file. Credentials
// are never stored in the roster; it names the environment variables that
// hold them.
type AccountSpec struct {
	ID               string  `yaml:"id"`
	Venue            string  `yaml:"venue"` // binance or kraken
	Role             string  `yaml:"role"`  // master or follower
	APIKeyEnv        string  `yaml:"api_key_env"`
	APISecretEnv     string  `yaml:"api_secret_env"`
	CopyEnabled      bool    `yaml:"copy_enabled"`
	QuoteAsset       string  `yaml:"quote_asset"`
	MinTradeNotional float64 `yaml:"min_trade_notional"`
}

// Roster is the full account set.
type Roster struct {
	Accounts []AccountSpec `yaml:"accounts"`
}

// IsMaster reports whether the spec is the leading account.
func (a AccountSpec) IsMaster() bool { return a.Role == "master" }

// APIKey resolves the account's API key from the environment.
func (a AccountSpec) APIKey() string { return os.Getenv(a.APIKeyEnv) }

// APISecret resolves the account's API secret from the environment.
func (a AccountSpec) APISecret() string { return os.Getenv(a.APISecretEnv) }

// LoadRoster reads and validates the YAML account roster.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return &r, nil
}

// Master returns the single master account.
func (r *Roster) Master() (AccountSpec, bool) {
	for _, a := range r.Accounts {
		if a.IsMaster() {
			return a, true
		}
	}
	return AccountSpec{}, false
}

// Followers returns every non-master account in roster order.
func (r *Roster) Followers() []AccountSpec {
	out := make([]AccountSpec, 0, len(r.Accounts))
	for _, a := range r.Accounts {
		if !a.IsMaster() {
			out = append(out, a)
		}
	}
	return out
}

func (r *Roster) validate() error {
	if len(r.Accounts) == 0 {
		return fmt.Errorf("no accounts defined")
	}
	seen := make(map[string]bool)
	masters := 0
	for i, a := range r.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account %d has no id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
		switch a.Venue {
		case "binance", "kraken":
		default:
			return fmt.Errorf("account %s: unsupported venue %q", a.ID, a.Venue)
		}
		switch a.Role {
		case "master":
			masters++
		case "follower", "":
		default:
			return fmt.Errorf("account %s: unknown role %q", a.ID, a.Role)
		}
		if a.APIKeyEnv == "" || a.APISecretEnv == "" {
			return fmt.Errorf("account %s: api_key_env and api_secret_env are required", a.ID)
		}
	}
	if masters > 1 {
		return fmt.Errorf("more than one master account")
	}
	return nil
}
