// Package config загружает конфигурацию IMS клиента из YAML файла.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config полная конфигурация клиента
type Config struct {
	User           UserConfig         `yaml:"user"`
	Networks       NetworksConfig     `yaml:"networks"`
	DefaultNetwork string             `yaml:"default_network"`
	Transport      TransportConfig    `yaml:"transport"`
	Registration   RegistrationConfig `yaml:"registration"`
	Services       ServicesConfig     `yaml:"services"`
	Resolver       ResolverConfig     `yaml:"resolver"`
	Metrics        MetricsConfig      `yaml:"metrics"`
	Log            LogConfig          `yaml:"log"`
	Storage        StorageConfig      `yaml:"storage"`
}

// UserConfig учетные данные IMS подписки
type UserConfig struct {
	// PublicURI IMPU, например sip:+79001234567@ims.example.com
	PublicURI string `yaml:"public_uri"`
	// PrivateID IMPI, username для digest
	PrivateID  string `yaml:"private_id"`
	Password   string `yaml:"password"`
	Realm      string `yaml:"realm"`
	HomeDomain string `yaml:"home_domain"`
	UserAgent  string `yaml:"user_agent"`
}

// NetworksConfig профили proxy по типам сети
type NetworksConfig struct {
	Mobile *NetworkConfig `yaml:"mobile"`
	WiFi   *NetworkConfig `yaml:"wifi"`
}

// NetworkConfig параметры P-CSCF одной сети
type NetworkConfig struct {
	ProxyAddr string `yaml:"proxy_addr"`
	// ProxyPort 0 - порт определяется через DNS
	ProxyPort int `yaml:"proxy_port"`
	// Protocol udp, tcp или tls
	Protocol string `yaml:"protocol"`
	// AuthMode DIGEST или GIBA
	AuthMode          string `yaml:"auth_mode"`
	AccessNetworkInfo string `yaml:"access_network_info"`
}

// TransportConfig параметры локального SIP стека
type TransportConfig struct {
	// LocalPort 0 - выбирается системой
	LocalPort int `yaml:"local_port"`
	// DSCP маркировка сигнального трафика, 0 отключает
	DSCP int `yaml:"dscp"`
	// ResponseWait сколько входящий запрос ждет ответа сервиса
	ResponseWait time.Duration `yaml:"response_wait"`
}

// RegistrationConfig параметры цикла регистрации
type RegistrationConfig struct {
	Expires            int           `yaml:"expires"`
	RetryBase          time.Duration `yaml:"retry_base"`
	RetryMax           time.Duration `yaml:"retry_max"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	GRUU               bool          `yaml:"gruu"`
	KeepAlive          bool          `yaml:"keep_alive"`
	KeepAlivePeriod    int           `yaml:"keep_alive_period"`
}

// ServiceConfig включение и емкость одного сервиса
type ServiceConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxSessions 0 - без ограничения
	MaxSessions int `yaml:"max_sessions"`
}

// ServicesConfig настройки IMS сервисов
type ServicesConfig struct {
	Capability       ServiceConfig `yaml:"capability"`
	InstantMessaging ServiceConfig `yaml:"instant_messaging"`
	FileTransfer     ServiceConfig `yaml:"file_transfer"`
	Presence         ServiceConfig `yaml:"presence"`
	IPCall           ServiceConfig `yaml:"ip_call"`
	RichCall         ServiceConfig `yaml:"rich_call"`
	SipAPI           ServiceConfig `yaml:"sip_api"`
	// Features feature tags, объявляемые в Contact регистрации и ответах на OPTIONS
	Features []string `yaml:"features"`
}

// ResolverConfig параметры DNS
type ResolverConfig struct {
	// Server host:port, пусто - первый сервер из /etc/resolv.conf
	Server      string        `yaml:"server"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// MetricsConfig HTTP сервер метрик
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig параметры журналирования
type LogConfig struct {
	Level string `yaml:"level"`
	// Format console или json
	Format string `yaml:"format"`
	// File путь файла с ротацией, пусто - только stderr
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StorageConfig хранилище настроек
type StorageConfig struct {
	// Path путь sqlite базы, ":memory:" - хранение в памяти
	Path string `yaml:"path"`
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *Config {
	enabled := ServiceConfig{Enabled: true}
	return &Config{
		User: UserConfig{
			UserAgent: "IMS-Core",
		},
		DefaultNetwork: "mobile",
		Transport: TransportConfig{
			DSCP:         46,
			ResponseWait: 32 * time.Second,
		},
		Registration: RegistrationConfig{
			Expires:            3600,
			RetryBase:          30 * time.Second,
			RetryMax:           30 * time.Minute,
			TransactionTimeout: 30 * time.Second,
			GRUU:               true,
			KeepAlive:          true,
			KeepAlivePeriod:    30,
		},
		Services: ServicesConfig{
			Capability:       enabled,
			InstantMessaging: ServiceConfig{Enabled: true, MaxSessions: 32},
			FileTransfer:     ServiceConfig{Enabled: true, MaxSessions: 8},
			Presence:         enabled,
			IPCall:           ServiceConfig{Enabled: true, MaxSessions: 2},
			RichCall:         ServiceConfig{Enabled: true, MaxSessions: 1},
			SipAPI:           enabled,
		},
		Resolver: ResolverConfig{
			NegativeTTL: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9180",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Storage: StorageConfig{
			Path: "./ims.db",
		},
	}
}

// Load читает YAML файл поверх значений по умолчанию и проверяет результат
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse разбирает YAML поверх значений по умолчанию
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.User.PublicURI) == "" {
		errs = append(errs, errors.New("user.public_uri cannot be empty"))
	}
	if strings.TrimSpace(c.User.HomeDomain) == "" {
		errs = append(errs, errors.New("user.home_domain cannot be empty"))
	}
	if c.Networks.Mobile == nil && c.Networks.WiFi == nil {
		errs = append(errs, errors.New("at least one network profile is required"))
	}
	for name, n := range map[string]*NetworkConfig{"mobile": c.Networks.Mobile, "wifi": c.Networks.WiFi} {
		if n != nil {
			if err := n.validate(); err != nil {
				errs = append(errs, fmt.Errorf("networks.%s: %w", name, err))
			}
		}
	}
	switch strings.ToLower(c.DefaultNetwork) {
	case "mobile":
		if c.Networks.Mobile == nil {
			errs = append(errs, errors.New("default_network mobile has no profile"))
		}
	case "wifi":
		if c.Networks.WiFi == nil {
			errs = append(errs, errors.New("default_network wifi has no profile"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid default_network: %q (must be mobile or wifi)", c.DefaultNetwork))
	}

	if c.Transport.LocalPort < 0 || c.Transport.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid transport.local_port: %d (must be 0-65535)", c.Transport.LocalPort))
	}
	if c.Transport.DSCP < 0 || c.Transport.DSCP > 63 {
		errs = append(errs, fmt.Errorf("invalid transport.dscp: %d (must be 0-63)", c.Transport.DSCP))
	}

	r := c.Registration
	if r.Expires <= 0 {
		errs = append(errs, fmt.Errorf("invalid registration.expires: %d", r.Expires))
	}
	if r.RetryBase <= 0 || r.RetryMax < r.RetryBase {
		errs = append(errs, fmt.Errorf("registration.retry_base %s must be positive and not exceed retry_max %s", r.RetryBase, r.RetryMax))
	}
	if r.TransactionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid registration.transaction_timeout: %s", r.TransactionTimeout))
	}

	for name, s := range c.Services.byName() {
		if s.MaxSessions < 0 {
			errs = append(errs, fmt.Errorf("services.%s.max_sessions cannot be negative", name))
		}
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Errorf("invalid metrics.listen %q: %w", c.Metrics.Listen, err))
		}
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("invalid log.level: %s (must be trace, debug, info, warn, or error)", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != "console" && f != "json" {
		errs = append(errs, fmt.Errorf("invalid log.format: %s (must be console or json)", c.Log.Format))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path cannot be empty"))
	}
	return errors.Join(errs...)
}

func (n *NetworkConfig) validate() error {
	if strings.TrimSpace(n.ProxyAddr) == "" {
		return errors.New("proxy_addr cannot be empty")
	}
	if n.ProxyPort < 0 || n.ProxyPort > 65535 {
		return fmt.Errorf("invalid proxy_port: %d", n.ProxyPort)
	}
	switch strings.ToLower(n.Protocol) {
	case "", "udp", "tcp", "tls":
	default:
		return fmt.Errorf("invalid protocol: %s (must be udp, tcp or tls)", n.Protocol)
	}
	switch strings.ToUpper(n.AuthMode) {
	case "", "DIGEST", "GIBA":
	default:
		return fmt.Errorf("invalid auth_mode: %s (must be DIGEST or GIBA)", n.AuthMode)
	}
	return nil
}

func (s ServicesConfig) byName() map[string]ServiceConfig {
	return map[string]ServiceConfig{
		"capability":        s.Capability,
		"instant_messaging": s.InstantMessaging,
		"file_transfer":     s.FileTransfer,
		"presence":          s.Presence,
		"ip_call":           s.IPCall,
		"rich_call":         s.RichCall,
		"sip_api":           s.SipAPI,
	}
}
