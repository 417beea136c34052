package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg safe to log. Keys, passwords, tokens,
// DSNs and RPC URLs (which usually embed a provider key) are masked.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	out.Chains = slices.Clone(cfg.Chains)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)

	for _, s := range []*string{
		&out.Escrow.PrivateKey,
		&out.Escrow.KeyPassword,
		&out.Kalshi.ApiKey,
		&out.Kalshi.RsaPrivateKey,
		&out.Supabase.DSN,
		&out.Supabase.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	} {
		mask(s)
	}
	for i := range out.Chains {
		mask(&out.Chains[i].RPCURL)
	}
	return out
}

func mask(s *string) {
	if *s != "" {
		*s = redacted
	}
}
