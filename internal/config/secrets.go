package config

import "slices"

const redacted = "***"

// RedactedConfig copies cfg with every credential masked, for logging the
// active configuration. Slices are cloned so the copy can be mutated freely.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	for _, secret := range []*string{
		&out.Postgres.DSN,
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
		&out.Metrics.APIKey,
	} {
		if *secret != "" {
			*secret = redacted
		}
	}
	out.Scanner.EnabledTechniques = slices.Clone(cfg.Scanner.EnabledTechniques)
	out.Detector.Blacklist = slices.Clone(cfg.Detector.Blacklist)
	out.Watch.Exchanges = slices.Clone(cfg.Watch.Exchanges)
	return out
}
