package sechat

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ChatHost identifies one of the chat servers.
type ChatHost string

const (
	StackExchange     ChatHost = "stackexchange.com"
	StackOverflow     ChatHost = "stackoverflow.com"
	MetaStackExchange ChatHost = "meta.stackexchange.com"
)

// ChatURL returns the base URL of the host's chat server.
func (h ChatHost) ChatURL() string {
	return "https://chat." + string(h)
}

// DefaultUserAgent is sent on every request unless Config.UserAgent is set.
const DefaultUserAgent = "Mozilla/5.0 (compatible; automated) sechat-sdk-go/1.0"

// Config controls how the SDK connects.
type Config struct {
	// Host selects the chat server. Ignored when ChatURL is set.
	Host ChatHost
	// ChatURL overrides the base URL derived from Host.
	ChatURL string
	// LoginURL is the site hosting the login forms.
	LoginURL string
	// UserAgent is sent on every HTTP request and the websocket handshake.
	UserAgent string

	// HTTPClient is used as a template for all requests. Its Jar is
	// replaced by CookieJar. If nil, a client with default transport is used.
	HTTPClient *http.Client
	// CookieJar holds the authenticated identity. Passing a jar that
	// already carries an account cookie lets Login skip the password
	// exchange. If nil, an empty public-suffix aware jar is created.
	CookieJar http.CookieJar
	// Logger receives SDK logs. If nil, logs are discarded.
	Logger Logger

	// RequestTimeout bounds each HTTP request. Zero disables it.
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout closes a feed that stays silent this long, forcing a
	// reconnect. Zero disables it.
	ReadTimeout time.Duration
	// MaxFrameSize is the largest websocket frame accepted, in bytes.
	MaxFrameSize int64
	// MessageCacheSize caps each room's message store.
	MessageCacheSize int
	// RequestsPerSecond paces outgoing HTTP requests. Zero means unlimited.
	RequestsPerSecond float64

	// Reconnect decides how long to wait before re-dialing a dropped feed.
	// If nil, the feed is re-dialed immediately, forever.
	Reconnect ReconnectPolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:             StackExchange,
		LoginURL:         "https://meta.stackexchange.com",
		UserAgent:        DefaultUserAgent,
		RequestTimeout:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxFrameSize:     1 << 20,
		MessageCacheSize: 500,
	}
}

// envConfig mirrors the scalar part of Config for environment loading.
type envConfig struct {
	Host              string        `env:"HOST" envDefault:"stackexchange.com"`
	ChatURL           string        `env:"CHAT_URL"`
	LoginURL          string        `env:"LOGIN_URL" envDefault:"https://meta.stackexchange.com"`
	UserAgent         string        `env:"USER_AGENT"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT"`
	MaxFrameSize      int64         `env:"MAX_FRAME_SIZE" envDefault:"1048576"`
	MessageCacheSize  int           `env:"MESSAGE_CACHE_SIZE" envDefault:"500"`
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND"`
}

// ConfigFromEnv returns DefaultConfig overridden by SECHAT_* environment
// variables (SECHAT_HOST, SECHAT_CHAT_URL, SECHAT_REQUEST_TIMEOUT, ...).
func ConfigFromEnv() (Config, error) {
	var ec envConfig
	if err := env.ParseWithOptions(&ec, env.Options{Prefix: "SECHAT_"}); err != nil {
		return Config{}, WrapError(ErrorInvalidConfig, "parse environment", err)
	}
	cfg := DefaultConfig()
	cfg.Host = ChatHost(ec.Host)
	cfg.ChatURL = ec.ChatURL
	cfg.LoginURL = ec.LoginURL
	if ec.UserAgent != "" {
		cfg.UserAgent = ec.UserAgent
	}
	cfg.RequestTimeout = ec.RequestTimeout
	cfg.HandshakeTimeout = ec.HandshakeTimeout
	cfg.ReadTimeout = ec.ReadTimeout
	cfg.MaxFrameSize = ec.MaxFrameSize
	cfg.MessageCacheSize = ec.MessageCacheSize
	cfg.RequestsPerSecond = ec.RequestsPerSecond
	return cfg, nil
}

// Credentials are the email and password used by Login.
type Credentials struct {
	Email    string `env:"EMAIL,required,notEmpty"`
	Password string `env:"PASSWORD,required,notEmpty"`
}

// CredentialsFromEnv reads SECHAT_EMAIL and SECHAT_PASSWORD.
func CredentialsFromEnv() (Credentials, error) {
	var c Credentials
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "SECHAT_"}); err != nil {
		return Credentials{}, WrapError(ErrorInvalidConfig, "parse credentials", err)
	}
	return c, nil
}

// chatURL returns the effective chat base URL without a trailing slash.
func (c Config) chatURL() string {
	if c.ChatURL != "" {
		return strings.TrimRight(c.ChatURL, "/")
	}
	return c.Host.ChatURL()
}

func (c Config) validate() error {
	if c.ChatURL == "" && c.Host == "" {
		return NewError(ErrorInvalidConfig, "either Host or ChatURL is required")
	}
	if c.LoginURL == "" {
		return NewError(ErrorInvalidConfig, "LoginURL is required")
	}
	for name, raw := range map[string]string{"ChatURL": c.chatURL(), "LoginURL": c.LoginURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return WrapError(ErrorInvalidConfig, fmt.Sprintf("invalid %s %q", name, raw), err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return NewError(ErrorInvalidConfig, fmt.Sprintf("%s must be http or https, got %q", name, raw))
		}
	}
	if c.MessageCacheSize < 0 {
		return NewError(ErrorInvalidConfig, "MessageCacheSize must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return NewError(ErrorInvalidConfig, "RequestsPerSecond must not be negative")
	}
	return nil
}
