// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type S3Cfg struct {
	Region          string
	Bucket          string
	Endpoint        string
	PathStyle       bool
	Anonymous       bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type Config struct {
	Addr           string
	LogLevel       string
	LogConsole     bool
	MetricsEnabled bool

	CatalogRoot string
	S3          S3Cfg

	RedisAddr       string
	CacheOpTimeout  time.Duration
	CacheTTLDefault time.Duration
	CacheTTLOvr     map[string]time.Duration
	DescriptorCap   int

	Invalidation InvalidationCfg

	DiscoveryH3Res   int
	AlignWorkers     int
	CoarsenThreshold float64
}

func FromEnv() Config {
	res := getint("DISCOVERY_H3_RES", 4)
	if res < 0 {
		res = 0
	}
	if res > 15 {
		res = 15
	}

	return Config{
		Addr:           getenv("ADDR", ":8090"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogConsole:     getbool("LOG_CONSOLE", false),
		MetricsEnabled: getbool("METRICS_ENABLED", true),

		CatalogRoot: getenv("CATALOG_ROOT", "catalog/catalog.json"),
		S3: S3Cfg{
			Region:          getenv("S3_REGION", "eu-central-1"),
			Bucket:          getenv("S3_BUCKET", ""),
			Endpoint:        getenv("S3_ENDPOINT", ""),
			PathStyle:       getbool("S3_PATH_STYLE", false),
			Anonymous:       getbool("S3_ANONYMOUS", true),
			AccessKeyID:     getenv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getenv("S3_SECRET_ACCESS_KEY", ""),
			SessionToken:    getenv("S3_SESSION_TOKEN", ""),
		},

		RedisAddr:       getenv("REDIS_ADDR", ""),
		CacheOpTimeout:  getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		CacheTTLDefault: getduration("CACHE_TTL_DEFAULT", 5*time.Minute),
		CacheTTLOvr:     parseDurationMap(getenv("CACHE_TTL_OVERRIDES", "")),
		DescriptorCap:   getint("DESCRIPTOR_CACHE_SIZE", 128),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Brokers: splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("KAFKA_TOPIC", "catalog-invalidation"),
			GroupID: getenv("KAFKA_GROUP_ID", "eogrid-invalidator"),
		},

		DiscoveryH3Res:   res,
		AlignWorkers:     getint("ALIGN_WORKERS", 4),
		CoarsenThreshold: getfloat("COARSEN_THRESHOLD", 4),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parse "GAMI=5m,RADD=30s" into a map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}
