package main

import (
	"os"
	"strings"
	"time"
)

// envOr returns the value of IDEMCTL_<key>, or fallback when unset.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv("IDEMCTL_" + key)); v != "" {
		return v
	}
	return fallback
}

// envDuration is envOr for durations. Unparseable values use fallback.
func envDuration(key string, fallback time.Duration) time.Duration {
	raw := envOr(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
