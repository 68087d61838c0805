package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Service configures token-service.
type Service struct {
	Port               string
	DatabaseURL        string
	RedisURL           string
	SnapshotCacheTTL   time.Duration
	TimeZone           string
	SessionTTL         time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
	TrustedProxies     []string
	PubNub             PubNub
	Telemetry          Telemetry
}

type PubNub struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UUID         string
}

type Telemetry struct {
	Endpoint string
	Insecure bool
}

// Portal configures the operator and signage client.
type Portal struct {
	APIBaseURL      string
	APITimeout      time.Duration
	SessionFile     string
	DisplayPort     string
	DisplayInterval time.Duration
	TVInterval      time.Duration
	WaitingLimit    int
	OfficeName      string
	PrinterDevice   string
	Telemetry       Telemetry
}

func LoadService() Service {
	v := newViper()
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("SNAPSHOT_CACHE_SECONDS", 2)
	v.SetDefault("SERVICE_TIMEZONE", "Local")
	v.SetDefault("SESSION_TTL_HOURS", 8)
	v.SetDefault("RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("RATE_LIMIT_BURST", 120)

	return Service{
		Port:               v.GetString("PORT"),
		DatabaseURL:        v.GetString("DB_DSN"),
		RedisURL:           v.GetString("REDIS_URL"),
		SnapshotCacheTTL:   seconds(v.GetInt("SNAPSHOT_CACHE_SECONDS")),
		TimeZone:           v.GetString("SERVICE_TIMEZONE"),
		SessionTTL:         time.Duration(v.GetInt("SESSION_TTL_HOURS")) * time.Hour,
		RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MIN"),
		RateLimitBurst:     v.GetInt("RATE_LIMIT_BURST"),
		TrustedProxies:     splitList(v.GetString("TRUSTED_PROXIES")),
		PubNub: PubNub{
			PublishKey:   v.GetString("PUBNUB_PUBLISH_KEY"),
			SubscribeKey: v.GetString("PUBNUB_SUBSCRIBE_KEY"),
			SecretKey:    v.GetString("PUBNUB_SECRET_KEY"),
			UUID:         v.GetString("PUBNUB_UUID"),
		},
		Telemetry: loadTelemetry(v),
	}
}

func LoadPortal() Portal {
	v := newViper()
	v.SetDefault("PORTAL_API_URL", "http://localhost:8080")
	v.SetDefault("PORTAL_API_TIMEOUT_SECONDS", 8)
	v.SetDefault("PORTAL_SESSION_FILE", defaultSessionFile())
	v.SetDefault("DISPLAY_PORT", "8086")
	v.SetDefault("DISPLAY_POLL_SECONDS", 10)
	v.SetDefault("TV_POLL_SECONDS", 5)
	v.SetDefault("DISPLAY_WAITING_LIMIT", 5)
	v.SetDefault("OFFICE_NAME", "DIVISIONAL SECRETARIAT")
	v.SetDefault("PRINTER_DEVICE", "")

	return Portal{
		APIBaseURL:      v.GetString("PORTAL_API_URL"),
		APITimeout:      seconds(v.GetInt("PORTAL_API_TIMEOUT_SECONDS")),
		SessionFile:     v.GetString("PORTAL_SESSION_FILE"),
		DisplayPort:     v.GetString("DISPLAY_PORT"),
		DisplayInterval: seconds(v.GetInt("DISPLAY_POLL_SECONDS")),
		TVInterval:      seconds(v.GetInt("TV_POLL_SECONDS")),
		WaitingLimit:    v.GetInt("DISPLAY_WAITING_LIMIT"),
		OfficeName:      v.GetString("OFFICE_NAME"),
		PrinterDevice:   v.GetString("PRINTER_DEVICE"),
		Telemetry:       loadTelemetry(v),
	}
}

// Location resolves TimeZone, falling back to the host zone.
func (s Service) Location() *time.Location {
	if s.TimeZone == "" || s.TimeZone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		log.Printf("config: unknown SERVICE_TIMEZONE %q, using local: %v", s.TimeZone, err)
		return time.Local
	}
	return loc
}

func newViper() *viper.Viper {
	loadDotEnv()
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	v.AutomaticEnv()
	return v
}

func loadTelemetry(v *viper.Viper) Telemetry {
	return Telemetry{
		Endpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
	}
}

// loadDotEnv reads ENV_FILE (default .env) when present. Variables already
// set in the environment win.
func loadDotEnv() {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("config: stat %s: %v", path, err)
		}
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Printf("config: load %s: %v", path, err)
	}
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "qms-portal", "session.json")
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
