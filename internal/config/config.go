package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"e2e_messenger/internal/model"

	"github.com/BurntSushi/toml"
)

const (
	TransportTLS       = "tls"
	TransportWebSocket = "websocket"
)

type (
	Config struct {
		User   model.UserId
		Device model.DeviceId

		Relay     RelayConfig
		KeyServer KeyServerConfig
		Redis     RedisConfig
		Mongo     MongoConfig
		Cipher    CipherConfig
		Log       LogConfig

		// TokenFile holds the relay and key server bearer token.
		TokenFile string
		// OneTimeKeys is the number of one-time prekeys generated for a new
		// identity.
		OneTimeKeys int
	}

	RelayConfig struct {
		Transport          string
		Address            string
		URL                string
		ServerName         string
		InsecureSkipVerify bool
		DialTimeout        time.Duration
		WriteTimeout       time.Duration
		HeartbeatInterval  time.Duration
		AuthTimeout        time.Duration
		MaxBackoffExponent int
		MaxContentLength   uint32
	}

	KeyServerConfig struct {
		URL    string
		Listen string
		// Tokens maps bearer tokens to the user they authenticate. Only the
		// key server reads it.
		Tokens map[string]model.UserId
	}

	RedisConfig struct {
		Addr     string
		Password string
		DB       int
	}

	MongoConfig struct {
		URI      string
		Database string
	}

	CipherConfig struct {
		QueueSize    int
		FailFast     bool
		FetchTimeout time.Duration
	}

	LogConfig struct {
		Level       string
		Development bool
		// File receives the log instead of stderr.
		File string
	}
)

func Default() Config {
	return Config{
		Device: 1,
		Relay: RelayConfig{
			Transport:          TransportTLS,
			Address:            "localhost:8443",
			DialTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			HeartbeatInterval:  30 * time.Second,
			AuthTimeout:        30 * time.Second,
			MaxBackoffExponent: 7,
			MaxContentLength:   1 << 20,
		},
		KeyServer: KeyServerConfig{
			URL:    "http://localhost:8080",
			Listen: ":8080",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "e2e_messenger"},
		Cipher: CipherConfig{
			QueueSize:    20,
			FetchTimeout: 30 * time.Second,
		},
		Log:         LogConfig{Level: "info"},
		OneTimeKeys: 20,
	}
}

type fileConfig struct {
	User        uint64 `toml:"user"`
	Device      uint32 `toml:"device"`
	TokenFile   string `toml:"token_file"`
	OneTimeKeys int    `toml:"one_time_keys"`

	Relay struct {
		Transport          string `toml:"transport"`
		Address            string `toml:"address"`
		URL                string `toml:"url"`
		ServerName         string `toml:"server_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
		DialTimeout        string `toml:"dial_timeout"`
		WriteTimeout       string `toml:"write_timeout"`
		HeartbeatInterval  string `toml:"heartbeat_interval"`
		AuthTimeout        string `toml:"auth_timeout"`
		MaxBackoffExponent int    `toml:"max_backoff_exponent"`
		MaxContentLength   uint32 `toml:"max_content_length"`
	} `toml:"relay"`

	KeyServer struct {
		URL    string            `toml:"url"`
		Listen string            `toml:"listen"`
		Tokens map[string]uint64 `toml:"tokens"`
	} `toml:"keyserver"`

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`

	Mongo struct {
		URI      string `toml:"uri"`
		Database string `toml:"database"`
	} `toml:"mongo"`

	Cipher struct {
		QueueSize    int    `toml:"queue_size"`
		Policy       string `toml:"policy"`
		FetchTimeout string `toml:"fetch_timeout"`
	} `toml:"cipher"`

	Log struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
		File        string `toml:"file"`
	} `toml:"log"`
}

// Load reads path on top of the defaults and applies E2E_* environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) loadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("user") {
		cfg.User = model.UserId(raw.User)
	}
	if meta.IsDefined("device") {
		cfg.Device = model.DeviceId(raw.Device)
	}
	if meta.IsDefined("token_file") {
		cfg.TokenFile = strings.TrimSpace(raw.TokenFile)
	}
	if meta.IsDefined("one_time_keys") {
		cfg.OneTimeKeys = raw.OneTimeKeys
	}

	r := &cfg.Relay
	if meta.IsDefined("relay", "transport") {
		r.Transport = strings.ToLower(strings.TrimSpace(raw.Relay.Transport))
	}
	if meta.IsDefined("relay", "address") {
		r.Address = strings.TrimSpace(raw.Relay.Address)
	}
	if meta.IsDefined("relay", "url") {
		r.URL = strings.TrimSpace(raw.Relay.URL)
	}
	if meta.IsDefined("relay", "server_name") {
		r.ServerName = strings.TrimSpace(raw.Relay.ServerName)
	}
	if meta.IsDefined("relay", "insecure_skip_verify") {
		r.InsecureSkipVerify = raw.Relay.InsecureSkipVerify
	}
	for key, dst := range map[string]*time.Duration{
		"dial_timeout":       &r.DialTimeout,
		"write_timeout":      &r.WriteTimeout,
		"heartbeat_interval": &r.HeartbeatInterval,
		"auth_timeout":       &r.AuthTimeout,
	} {
		if !meta.IsDefined("relay", key) {
			continue
		}
		var s string
		switch key {
		case "dial_timeout":
			s = raw.Relay.DialTimeout
		case "write_timeout":
			s = raw.Relay.WriteTimeout
		case "auth_timeout":
			s = raw.Relay.AuthTimeout
		default:
			s = raw.Relay.HeartbeatInterval
		}
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("parse relay.%s: %w", key, err)
		}
		*dst = d
	}
	if meta.IsDefined("relay", "max_backoff_exponent") {
		r.MaxBackoffExponent = raw.Relay.MaxBackoffExponent
	}
	if meta.IsDefined("relay", "max_content_length") {
		r.MaxContentLength = raw.Relay.MaxContentLength
	}

	if meta.IsDefined("keyserver", "url") {
		cfg.KeyServer.URL = strings.TrimSpace(raw.KeyServer.URL)
	}
	if meta.IsDefined("keyserver", "listen") {
		cfg.KeyServer.Listen = strings.TrimSpace(raw.KeyServer.Listen)
	}
	if meta.IsDefined("keyserver", "tokens") {
		cfg.KeyServer.Tokens = make(map[string]model.UserId, len(raw.KeyServer.Tokens))
		for tok, user := range raw.KeyServer.Tokens {
			cfg.KeyServer.Tokens[tok] = model.UserId(user)
		}
	}

	if meta.IsDefined("redis", "addr") {
		cfg.Redis.Addr = strings.TrimSpace(raw.Redis.Addr)
	}
	if meta.IsDefined("redis", "password") {
		cfg.Redis.Password = raw.Redis.Password
	}
	if meta.IsDefined("redis", "db") {
		cfg.Redis.DB = raw.Redis.DB
	}

	if meta.IsDefined("mongo", "uri") {
		cfg.Mongo.URI = strings.TrimSpace(raw.Mongo.URI)
	}
	if meta.IsDefined("mongo", "database") {
		cfg.Mongo.Database = strings.TrimSpace(raw.Mongo.Database)
	}

	if meta.IsDefined("cipher", "queue_size") {
		cfg.Cipher.QueueSize = raw.Cipher.QueueSize
	}
	if meta.IsDefined("cipher", "policy") {
		switch p := strings.ToLower(strings.TrimSpace(raw.Cipher.Policy)); p {
		case "block":
			cfg.Cipher.FailFast = false
		case "fail_fast":
			cfg.Cipher.FailFast = true
		default:
			return fmt.Errorf("parse cipher.policy: unknown policy %q", p)
		}
	}
	if meta.IsDefined("cipher", "fetch_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Cipher.FetchTimeout))
		if err != nil {
			return fmt.Errorf("parse cipher.fetch_timeout: %w", err)
		}
		cfg.Cipher.FetchTimeout = d
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "development") {
		cfg.Log.Development = raw.Log.Development
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = strings.TrimSpace(raw.Log.File)
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("E2E_RELAY_ADDRESS", &cfg.Relay.Address)
	str("E2E_RELAY_URL", &cfg.Relay.URL)
	str("E2E_RELAY_TRANSPORT", &cfg.Relay.Transport)
	str("E2E_KEYSERVER_URL", &cfg.KeyServer.URL)
	str("E2E_REDIS_ADDR", &cfg.Redis.Addr)
	str("E2E_MONGO_URI", &cfg.Mongo.URI)
	str("E2E_TOKEN_FILE", &cfg.TokenFile)
	str("E2E_LOG_LEVEL", &cfg.Log.Level)

	if v, ok := lookup("E2E_USER"); ok {
		u, err := model.ParseUserId(v)
		if err != nil {
			return fmt.Errorf("E2E_USER: %w", err)
		}
		cfg.User = u
	}
	if v, ok := lookup("E2E_DEVICE"); ok {
		d, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return fmt.Errorf("E2E_DEVICE: %w", err)
		}
		cfg.Device = model.DeviceId(d)
	}
	return nil
}

// Local is the address of this device.
func (cfg Config) Local() model.Address {
	return model.NewAddress(cfg.User, cfg.Device)
}

func (cfg Config) Validate() error {
	var errs []error
	switch cfg.Relay.Transport {
	case TransportTLS:
		if cfg.Relay.Address == "" {
			errs = append(errs, errors.New("relay.address is required for the tls transport"))
		}
	case TransportWebSocket:
		if !strings.HasPrefix(cfg.Relay.URL, "ws://") && !strings.HasPrefix(cfg.Relay.URL, "wss://") {
			errs = append(errs, fmt.Errorf("relay.url %q is not a websocket url", cfg.Relay.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown relay.transport %q", cfg.Relay.Transport))
	}
	if cfg.Relay.MaxBackoffExponent < 1 || cfg.Relay.MaxBackoffExponent > 16 {
		errs = append(errs, fmt.Errorf("relay.max_backoff_exponent %d out of range [1, 16]", cfg.Relay.MaxBackoffExponent))
	}
	if cfg.Relay.MaxContentLength == 0 {
		errs = append(errs, errors.New("relay.max_content_length must be positive"))
	}
	if cfg.Cipher.QueueSize <= 0 {
		errs = append(errs, errors.New("cipher.queue_size must be positive"))
	}
	if cfg.OneTimeKeys < 0 {
		errs = append(errs, errors.New("one_time_keys must not be negative"))
	}
	return errors.Join(errs...)
}
