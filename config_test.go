package authz

import "testing"

func TestApplyDefaults(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *Config
		wantPath  string
		wantRate  float64
		wantBurst int
	}{
		{name: "nil config", cfg: nil, wantPath: DefaultBasePath},
		{name: "empty base path", cfg: &Config{}, wantPath: DefaultBasePath},
		{name: "root base path", cfg: &Config{BasePath: "/"}, wantPath: DefaultBasePath},
		{name: "missing leading slash", cfg: &Config{BasePath: "auth"}, wantPath: "/auth"},
		{name: "trailing slash", cfg: &Config{BasePath: "/api/oauth/"}, wantPath: "/api/oauth"},
		{
			name:      "burst derived from rate",
			cfg:       &Config{RateLimit: RateLimitConfig{Rate: 5}},
			wantPath:  DefaultBasePath,
			wantRate:  5,
			wantBurst: 10,
		},
		{
			name:      "fractional rate gets burst of one",
			cfg:       &Config{RateLimit: RateLimitConfig{Rate: 0.2}},
			wantPath:  DefaultBasePath,
			wantRate:  0.2,
			wantBurst: 1,
		},
		{
			name:      "explicit burst kept",
			cfg:       &Config{RateLimit: RateLimitConfig{Rate: 5, Burst: 3}},
			wantPath:  DefaultBasePath,
			wantRate:  5,
			wantBurst: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyDefaults(tt.cfg)
			if got.BasePath != tt.wantPath {
				t.Errorf("BasePath = %q, want %q", got.BasePath, tt.wantPath)
			}
			if got.RateLimit.Rate != tt.wantRate {
				t.Errorf("Rate = %v, want %v", got.RateLimit.Rate, tt.wantRate)
			}
			if got.RateLimit.Burst != tt.wantBurst {
				t.Errorf("Burst = %d, want %d", got.RateLimit.Burst, tt.wantBurst)
			}
		})
	}
}

func TestApplyDefaults_DoesNotMutateInput(t *testing.T) {
	cfg := &Config{BasePath: "auth/"}
	_ = applyDefaults(cfg)
	if cfg.BasePath != "auth/" {
		t.Errorf("input BasePath mutated to %q", cfg.BasePath)
	}
}
