package config

import (
    "os"
    "strconv"
    "strings"
    "time"
)

// getenv returns the value of key, or def when it is unset or empty.
func getenv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

// envStr is getenv under the name the component loaders use.
func envStr(key, def string) string { return getenv(key, def) }

// envBool accepts 1/0, true/false, yes/no and on/off in any case.
// Anything else yields def.
func envBool(key string, def bool) bool {
    switch strings.ToLower(os.Getenv(key)) {
    case "1", "true", "yes", "on":
        return true
    case "0", "false", "no", "off":
        return false
    }
    return def
}

// envInt returns def when key is unset or not an integer.
func envInt(key string, def int) int {
    if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
        return n
    }
    return def
}

// envDur parses a Go duration such as "250ms" or "2m"; malformed values
// yield def.
func envDur(key string, def time.Duration) time.Duration {
    if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
        return d
    }
    return def
}
