package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Attachments: AttachmentsConfig{
			MaxSizeBytes: 50 * 1024 * 1024,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9144,
		},
	}
}
