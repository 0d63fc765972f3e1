package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "NOTESYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "notesync.db"
	defaultLogLevel           = "info"
	defaultAllowedOrigin      = "http://localhost:3000"
	defaultSendBufferSize     = 256
	defaultPingInterval       = 54 * time.Second
	defaultPongWait           = 60 * time.Second
	defaultPollTimeout        = 25 * time.Second
	defaultPollIdleTimeout    = 60 * time.Second
	defaultMessagesPerSecond  = 100
	defaultMessageBurst       = 200
	defaultServerURL          = "http://localhost:8080"
	defaultAutosaveInterval   = 5 * time.Second
	defaultRequestTimeout     = 10 * time.Second
	defaultReconnectDelay     = 2 * time.Second
	defaultClientTransport    = "auto"
	transportAuto             = "auto"
	transportWebSocket        = "websocket"
	transportPolling          = "polling"
	keyHTTPAddress            = "http.address"
	keyAllowedOrigins         = "http.allowed_origins"
	keyDatabasePath           = "database.path"
	keyLogLevel               = "log.level"
	keySendBufferSize         = "realtime.send_buffer"
	keyPingInterval           = "realtime.ping_interval"
	keyPongWait               = "realtime.pong_wait"
	keyPollTimeout            = "realtime.poll_timeout"
	keyPollIdleTimeout        = "realtime.poll_idle_timeout"
	keyMessagesPerSecond      = "realtime.messages_per_second"
	keyMessageBurst           = "realtime.message_burst"
	keyClientServerURL        = "client.server_url"
	keyClientDisplayName      = "client.display_name"
	keyClientAutosaveInterval = "client.autosave_interval"
	keyClientRequestTimeout   = "client.request_timeout"
	keyClientReconnectDelay   = "client.reconnect_delay"
	keyClientTransport        = "client.transport"
)

// AppConfig captures runtime configuration for the relay and persistence server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	LogLevel          string
	SendBufferSize    int
	PingInterval      time.Duration
	PongWait          time.Duration
	PollTimeout       time.Duration
	PollIdleTimeout   time.Duration
	MessagesPerSecond float64
	MessageBurst      int
}

// ClientConfig captures runtime configuration for the collaboration client.
type ClientConfig struct {
	ServerURL        string
	DisplayName      string
	LogLevel         string
	AutosaveInterval time.Duration
	RequestTimeout   time.Duration
	ReconnectDelay   time.Duration
	Transport        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(keyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(keyAllowedOrigins, []string{defaultAllowedOrigin})
	configViper.SetDefault(keyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(keyLogLevel, defaultLogLevel)
	configViper.SetDefault(keySendBufferSize, defaultSendBufferSize)
	configViper.SetDefault(keyPingInterval, defaultPingInterval)
	configViper.SetDefault(keyPongWait, defaultPongWait)
	configViper.SetDefault(keyPollTimeout, defaultPollTimeout)
	configViper.SetDefault(keyPollIdleTimeout, defaultPollIdleTimeout)
	configViper.SetDefault(keyMessagesPerSecond, defaultMessagesPerSecond)
	configViper.SetDefault(keyMessageBurst, defaultMessageBurst)

	configViper.SetDefault(keyClientServerURL, defaultServerURL)
	configViper.SetDefault(keyClientDisplayName, "")
	configViper.SetDefault(keyClientAutosaveInterval, defaultAutosaveInterval)
	configViper.SetDefault(keyClientRequestTimeout, defaultRequestTimeout)
	configViper.SetDefault(keyClientReconnectDelay, defaultReconnectDelay)
	configViper.SetDefault(keyClientTransport, defaultClientTransport)
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString(keyHTTPAddress),
		AllowedOrigins:    configViper.GetStringSlice(keyAllowedOrigins),
		DatabasePath:      configViper.GetString(keyDatabasePath),
		LogLevel:          configViper.GetString(keyLogLevel),
		SendBufferSize:    configViper.GetInt(keySendBufferSize),
		PingInterval:      configViper.GetDuration(keyPingInterval),
		PongWait:          configViper.GetDuration(keyPongWait),
		PollTimeout:       configViper.GetDuration(keyPollTimeout),
		PollIdleTimeout:   configViper.GetDuration(keyPollIdleTimeout),
		MessagesPerSecond: configViper.GetFloat64(keyMessagesPerSecond),
		MessageBurst:      configViper.GetInt(keyMessageBurst),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString(keyClientServerURL)), "/"),
		DisplayName:      configViper.GetString(keyClientDisplayName),
		LogLevel:         configViper.GetString(keyLogLevel),
		AutosaveInterval: configViper.GetDuration(keyClientAutosaveInterval),
		RequestTimeout:   configViper.GetDuration(keyClientRequestTimeout),
		ReconnectDelay:   configViper.GetDuration(keyClientReconnectDelay),
		Transport:        strings.ToLower(strings.TrimSpace(configViper.GetString(keyClientTransport))),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("%s is required", keyHTTPAddress)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("%s is required", keyDatabasePath)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("%s must be positive", keySendBufferSize)
	}
	if c.PongWait <= 0 || c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		return fmt.Errorf("%s must be positive and shorter than %s", keyPingInterval, keyPongWait)
	}
	if c.PollTimeout <= 0 || c.PollIdleTimeout <= c.PollTimeout {
		return fmt.Errorf("%s must exceed %s", keyPollIdleTimeout, keyPollTimeout)
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("%s and %s must be positive", keyMessagesPerSecond, keyMessageBurst)
	}
	return nil
}

func (c ClientConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("%s is required", keyClientServerURL)
	}
	if c.AutosaveInterval <= 0 {
		return fmt.Errorf("%s must be positive", keyClientAutosaveInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s must be positive", keyClientRequestTimeout)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("%s must be positive", keyClientReconnectDelay)
	}
	switch c.Transport {
	case transportAuto, transportWebSocket, transportPolling:
	default:
		return fmt.Errorf("%s must be one of auto, websocket, polling", keyClientTransport)
	}
	return nil
}
