package server

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/wordquizzle/pkg/match"
	"github.com/NicolasHaas/wordquizzle/pkg/model"
	"github.com/NicolasHaas/wordquizzle/pkg/protocol"
)

// Config holds server configuration.
type Config struct {
	ControlAddr string // TCP bind address for commands (e.g. ":8000")
	MetricsAddr string // HTTP bind address for /metrics (empty = disabled)

	Words         int           // words per match
	CorrectBonus  int           // points for a right translation
	WrongPenalty  int           // points lost for a wrong translation
	WinBonus      int           // extra account points for the winner
	AcceptTimeout time.Duration // how long an invitee has to accept (T1)
	MatchDuration time.Duration // length of a match (T2)
	MaxMessage    int           // largest command or reply payload, in bytes

	LoginRate  float64 // failed logins refilled per second, per connection
	LoginBurst int     // failed logins allowed back to back

	MetricsInterval time.Duration // periodic metrics log (0 = disabled)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr:     ":8000",
		MetricsAddr:     ":8002",
		Words:           5,
		CorrectBonus:    2,
		WrongPenalty:    1,
		WinBonus:        3,
		AcceptTimeout:   10 * time.Second,
		MatchDuration:   60 * time.Second,
		MaxMessage:      protocol.DefaultMaxMessage,
		LoginRate:       0.2,
		LoginBurst:      5,
		MetricsInterval: 60 * time.Second,
	}
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ControlAddr == "" {
		errs = append(errs, errors.New("control address is required"))
	}
	if c.Words < 1 {
		errs = append(errs, fmt.Errorf("words per match must be positive, got %d", c.Words))
	}
	if c.CorrectBonus < 0 || c.WrongPenalty < 0 || c.WinBonus < 0 {
		errs = append(errs, errors.New("bonuses and penalties must not be negative"))
	}
	if c.AcceptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("accept timeout must be positive, got %s", c.AcceptTimeout))
	}
	if c.MatchDuration <= 0 {
		errs = append(errs, fmt.Errorf("match duration must be positive, got %s", c.MatchDuration))
	}
	if c.MaxMessage < 64 {
		errs = append(errs, fmt.Errorf("max message must be at least 64 bytes, got %d", c.MaxMessage))
	}
	if c.LoginRate <= 0 || c.LoginBurst < 1 {
		errs = append(errs, errors.New("login rate and burst must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("server: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Rules returns the scoring parameters handed to each match.
func (c Config) Rules() match.Rules {
	return match.Rules{
		CorrectBonus: c.CorrectBonus,
		WrongPenalty: c.WrongPenalty,
		WinBonus:     c.WinBonus,
		Duration:     c.MatchDuration,
	}
}

// AccountYAML represents an account in YAML export. Credentials are left out.
type AccountYAML struct {
	Username string   `yaml:"username"`
	Points   int      `yaml:"points"`
	Friends  []string `yaml:"friends,omitempty"`
}

// AccountsExport is the top-level YAML for account export.
type AccountsExport struct {
	Accounts []AccountYAML `yaml:"accounts"`
}

// ExportAccountsYAML renders accounts, in the order given, as YAML.
func ExportAccountsYAML(accounts []model.Account) ([]byte, error) {
	export := AccountsExport{Accounts: make([]AccountYAML, 0, len(accounts))}
	for _, a := range accounts {
		export.Accounts = append(export.Accounts, AccountYAML{
			Username: a.Username,
			Points:   a.Points,
			Friends:  a.Friends,
		})
	}
	return yaml.Marshal(&export)
}
