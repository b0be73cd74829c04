package main

import (
	"github.com/tenzoki/relay/internal/config"
	"github.com/tenzoki/relay/internal/relaycore"
	"github.com/tenzoki/relay/internal/reliability"
)

func toRateLimitConfig(c config.RateLimitConfig) reliability.RateLimitConfig {
	return reliability.RateLimitConfig{
		Enabled:            c.Enabled,
		WindowSecs:         c.WindowSecs,
		MaxPerWindow:       c.MaxPerWindow,
		PerSenderOverrides: c.PerSenderOverrides,
	}
}

func toBreakerConfig(c config.BreakerConfig) reliability.BreakerConfig {
	return reliability.BreakerConfig{
		Enabled:            c.Enabled,
		FailureThreshold:   c.FailureThreshold,
		CooldownMs:         c.CooldownMs,
		HalfOpenProbeCount: c.HalfOpenProbeCount,
		SuccessToClose:     c.SuccessToClose,
	}
}

func toBackpressureConfig(c config.BackpressureConfig) reliability.BackpressureConfig {
	return reliability.BackpressureConfig{
		Enabled:           c.Enabled,
		MaxMailboxSize:    c.MaxMailboxSize,
		PressureWarningAt: c.PressureWarningAt,
	}
}

func toAccessRules(rules []config.AccessRule) []relaycore.AccessRule {
	out := make([]relaycore.AccessRule, len(rules))
	for i, r := range rules {
		out[i] = relaycore.AccessRule{ID: r.ID, From: r.From, To: r.To, Allow: r.Allow}
	}
	return out
}
