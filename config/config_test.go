package config

import "testing"

func TestValidateRateLimitConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  RateLimitConfig
		wantErr bool
	}{
		{
			name: "valid config",
			config: RateLimitConfig{
				Rate:            1000,
				RateIntervalMs:  1000,
				RateLowerWeight: 18,
				RateLowerKoef:   0.2,
				RateRaiseKoef:   0.02,
			},
			wantErr: false,
		},
		{
			name: "rate too low",
			config: RateLimitConfig{
				Rate:           0,
				RateIntervalMs: 1000,
			},
			wantErr: true,
		},
		{
			name: "rate too high",
			config: RateLimitConfig{
				Rate:           MaxRate + 1,
				RateIntervalMs: 1000,
			},
			wantErr: true,
		},
		{
			name: "non-positive interval",
			config: RateLimitConfig{
				Rate:           1000,
				RateIntervalMs: 0,
			},
			wantErr: true,
		},
		{
			name: "negative lower weight",
			config: RateLimitConfig{
				Rate:            1000,
				RateIntervalMs:  1000,
				RateLowerWeight: -1,
			},
			wantErr: true,
		},
		{
			name: "negative koef",
			config: RateLimitConfig{
				Rate:           1000,
				RateIntervalMs: 1000,
				RateLowerKoef:  -0.1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRateLimitConfig(&tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRateLimitConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAdmissionConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  AdmissionConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  AdmissionConfig{MaxPending: 3000, MaxBuffer: 50},
			wantErr: false,
		},
		{
			name:    "negative max pending",
			config:  AdmissionConfig{MaxPending: -1, MaxBuffer: 50},
			wantErr: true,
		},
		{
			name:    "negative max buffer",
			config:  AdmissionConfig{MaxPending: 10, MaxBuffer: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAdmissionConfig(&tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateAdmissionConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateLoggingConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  LoggingConfig
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  LoggingConfig{Level: "info", Format: "json", Output: "console"},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			config:  LoggingConfig{Level: "verbose", Format: "json", Output: "console"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			config:  LoggingConfig{Level: "info", Format: "xml", Output: "console"},
			wantErr: true,
		},
		{
			name:    "invalid output",
			config:  LoggingConfig{Level: "info", Format: "json", Output: "database"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateLoggingConfig(&tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateLoggingConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestContainsString(t *testing.T) {
	slice := []string{"apple", "banana", "cherry"}

	if !containsString(slice, "banana") {
		t.Error("containsString should return true for 'banana'")
	}
	if containsString(slice, "orange") {
		t.Error("containsString should return false for 'orange'")
	}
	if containsString(nil, "apple") {
		t.Error("containsString should return false for nil slice")
	}
}

func TestValidate(t *testing.T) {
	validConfig := &Config{
		RateLimit: RateLimitConfig{
			Rate:            1000,
			RateIntervalMs:  1000,
			RateLowerWeight: 18,
			RateLowerKoef:   0.2,
			RateRaiseKoef:   0.02,
		},
		Admission: AdmissionConfig{
			MaxPending: 3000,
			MaxBuffer:  50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "console",
		},
	}

	if err := Validate(validConfig); err != nil {
		t.Errorf("Validate() should pass for valid config, got error: %v", err)
	}
}

func TestDefaultValues(t *testing.T) {
	if DefaultRate <= 0 || DefaultRate > MaxRate {
		t.Errorf("DefaultRate is invalid: %d", DefaultRate)
	}
	if DefaultRateIntervalMs <= 0 {
		t.Errorf("DefaultRateIntervalMs is invalid: %d", DefaultRateIntervalMs)
	}
	if DefaultRateLowerKoef <= 0 || DefaultRateLowerKoef >= 1 {
		t.Errorf("DefaultRateLowerKoef is invalid: %f", DefaultRateLowerKoef)
	}
	if DefaultRateRaiseKoef <= 0 || DefaultRateRaiseKoef >= 1 {
		t.Errorf("DefaultRateRaiseKoef is invalid: %f", DefaultRateRaiseKoef)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Errorf("Default() should produce a valid config, got error: %v", err)
	}
	if cfg.RateLimit.Rate != DefaultRate {
		t.Errorf("Default().RateLimit.Rate = %d, want %d", cfg.RateLimit.Rate, DefaultRate)
	}
}

func TestMustLoadPanicsOnError(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("MustLoad should panic on a config file that cannot be read")
		}
	}()

	_ = MustLoad("/non/existent/path/config.yaml")
}

func TestToSafeMap(t *testing.T) {
	cfg := &Config{
		RateLimit: RateLimitConfig{Rate: 500},
		Admission: AdmissionConfig{MaxPending: 100},
		Logging:   LoggingConfig{Level: "debug"},
	}

	safeMap := cfg.ToSafeMap()

	rateMap, ok := safeMap["rate_limit"].(map[string]interface{})
	if !ok {
		t.Fatal("rate_limit key not found or wrong type")
	}
	if rateMap["rate"] != 500 {
		t.Errorf("rate_limit.rate = %v, want 500", rateMap["rate"])
	}

	admissionMap, ok := safeMap["admission"].(map[string]interface{})
	if !ok {
		t.Fatal("admission key not found or wrong type")
	}
	if admissionMap["max_pending"] != 100 {
		t.Errorf("admission.max_pending = %v, want 100", admissionMap["max_pending"])
	}
}
