package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const validYAML = `
base_currency: btc
quote_currency: usd
userref: 42
dry_run: true
grid:
  strategy: GridHODL
  interval: "0.04"
  amount_per_grid: "100"
  max_investment: "1000"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDecimalUnmarshal(t *testing.T) {
	var d Decimal
	if err := yaml.Unmarshal([]byte(`"0.04"`), &d); err != nil {
		t.Fatalf("unmarshal scalar: %v", err)
	}
	if d.String() != "0.04" {
		t.Fatalf("value = %s, want 0.04", d)
	}
	if err := yaml.Unmarshal([]byte(`""`), &d); err != nil || !d.IsZero() {
		t.Fatalf("empty scalar: value=%s err=%v, want zero", d, err)
	}
	if err := yaml.Unmarshal([]byte("[1, 2]"), &d); err == nil {
		t.Fatal("sequence must be rejected")
	}
	if err := yaml.Unmarshal([]byte(`"not-a-number"`), &d); err == nil {
		t.Fatal("non-numeric scalar must be rejected")
	}
}

func TestLoadAppliesDefaultsAndNormalizes(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.Pair() != "BTC/USD" {
		t.Fatalf("Pair() = %q, want BTC/USD", cfg.Pair())
	}
	if cfg.Grid.Strategy != StrategyGridHODL {
		t.Fatalf("strategy = %q, want gridhodl (case-folded)", cfg.Grid.Strategy)
	}
	if cfg.Grid.NOpenBuyOrders != 3 {
		t.Fatalf("n_open_buy_orders = %d, want default 3", cfg.Grid.NOpenBuyOrders)
	}
	if cfg.Exchange.RestBaseURL != "https://api.kraken.com" {
		t.Fatalf("rest_base_url = %q, want kraken default", cfg.Exchange.RestBaseURL)
	}
	if cfg.Observability.Runtime.ReconcileIntervalSec != 60 {
		t.Fatalf("reconcile_interval_sec = %d, want default 60", cfg.Observability.Runtime.ReconcileIntervalSec)
	}
	if cfg.Store.Path == "" {
		t.Fatal("store path default missing")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+"\ntypo_field: 1\n"))
	if err == nil || !strings.Contains(err.Error(), "typo_field") {
		t.Fatalf("Load error = %v, want unknown field rejection", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+"\n---\n{}\n"))
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load error = %v, want single-document rejection", err)
	}
}

func TestLoadRequiresCredentialsOutsideDryRun(t *testing.T) {
	body := strings.Replace(validYAML, "dry_run: true", "dry_run: false", 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("Load error = %v, want missing credentials", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantSub string
	}{
		{
			name:    "interval out of range",
			mutate:  func(s string) string { return strings.Replace(s, `interval: "0.04"`, `interval: "1.5"`, 1) },
			wantSub: "interval",
		},
		{
			name:    "unknown strategy",
			mutate:  func(s string) string { return strings.Replace(s, "strategy: GridHODL", "strategy: martingale", 1) },
			wantSub: "strategy",
		},
		{
			name:    "max investment below amount per grid",
			mutate:  func(s string) string { return strings.Replace(s, `max_investment: "1000"`, `max_investment: "50"`, 1) },
			wantSub: "max_investment",
		},
		{
			name:    "missing userref",
			mutate:  func(s string) string { return strings.Replace(s, "userref: 42", "userref: 0", 1) },
			wantSub: "userref",
		},
		{
			name:    "same base and quote",
			mutate:  func(s string) string { return strings.Replace(s, "quote_currency: usd", "quote_currency: btc", 1) },
			wantSub: "must differ",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.mutate(validYAML)))
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("Load error = %v, want %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidateRejectsBadURLScheme(t *testing.T) {
	body := validYAML + "\nexchange:\n  rest_base_url: \"ftp://api.kraken.com\"\n"
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "rest_base_url") {
		t.Fatalf("Load error = %v, want rest_base_url scheme rejection", err)
	}
}
