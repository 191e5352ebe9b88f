package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "PEERHOST"
	configFileName = "peerhost"
)

// Load reads configuration from the optional file at path (or peerhost.yaml
// in the working directory or the state directory when path is empty), then
// applies PEERHOST_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultStateDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return build(v)
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	stateDir := defaultStateDir()

	v.SetDefault("host", hostname)
	v.SetDefault("state_dir", stateDir)

	v.SetDefault("installer.url", "")
	v.SetDefault("installer.destination", "")
	v.SetDefault("installer.sha256", "")
	v.SetDefault("installer.manifest_path", "")
	v.SetDefault("installer.args", []string{})
	v.SetDefault("installer.max_attempts", 3)
	v.SetDefault("installer.retry_delay", 5*time.Second)
	v.SetDefault("installer.attempt_timeout", 10*time.Minute)

	v.SetDefault("application.name", "PeerClient")
	v.SetDefault("application.executable", "")
	v.SetDefault("application.args", []string{})
	v.SetDefault("application.ports", "31400-31409")
	v.SetDefault("application.firewall_rule", "")
	v.SetDefault("application.max_restarts", 3)
	v.SetDefault("application.restart_interval", time.Minute)

	v.SetDefault("provision.features", defaultFeatures())
	v.SetDefault("provision.subsystem_update", runtime.GOOS == "windows")
	v.SetDefault("provision.monitor_executable", "")
	v.SetDefault("provision.monitor_service_name", "PeerhostMonitor")

	v.SetDefault("monitor.poll_interval", 60*time.Second)
	v.SetDefault("monitor.log_path", "")
	v.SetDefault("monitor.address_url", "https://api.ipify.org")
	v.SetDefault("monitor.address_timeout", 10*time.Second)
	v.SetDefault("monitor.restore_baseline", false)
	v.SetDefault("monitor.max_log_bytes", int64(0))
	v.SetDefault("monitor.listen", "127.0.0.1:9464")

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.dedupe", string(DedupeNone))
	v.SetDefault("alerts.cpu_threshold_pct", 80.0)
	v.SetDefault("alerts.ram_threshold_mb", 500.0)
	v.SetDefault("alerts.nats_subject", "peerhost.alerts")
	v.SetDefault("alerts.smtp.host", "")
	v.SetDefault("alerts.smtp.port", 587)
	v.SetDefault("alerts.smtp.username", "")
	v.SetDefault("alerts.smtp.password", "")
	v.SetDefault("alerts.smtp.from", "")
	v.SetDefault("alerts.smtp.to", []string{})
	v.SetDefault("alerts.smtp.timeout", 30*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("bus.url", "")
}

func build(v *viper.Viper) (Config, error) {
	cfg := Config{
		Host:     strings.TrimSpace(v.GetString("host")),
		StateDir: strings.TrimSpace(v.GetString("state_dir")),
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.StateDir == "" {
		return Config{}, errors.New("state_dir must not be empty")
	}

	cfg.Installer = InstallerConfig{
		URL:            strings.TrimSpace(v.GetString("installer.url")),
		Destination:    strings.TrimSpace(v.GetString("installer.destination")),
		SHA256:         strings.ToLower(strings.TrimSpace(v.GetString("installer.sha256"))),
		ManifestPath:   strings.TrimSpace(v.GetString("installer.manifest_path")),
		Args:           v.GetStringSlice("installer.args"),
		MaxAttempts:    v.GetInt("installer.max_attempts"),
		RetryDelay:     v.GetDuration("installer.retry_delay"),
		AttemptTimeout: v.GetDuration("installer.attempt_timeout"),
	}
	if cfg.Installer.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("installer.max_attempts must be positive, got %d", cfg.Installer.MaxAttempts)
	}
	if cfg.Installer.RetryDelay < 0 {
		return Config{}, fmt.Errorf("installer.retry_delay must not be negative")
	}
	if cfg.Installer.AttemptTimeout <= 0 {
		return Config{}, fmt.Errorf("installer.attempt_timeout must be positive")
	}
	if cfg.Installer.Destination == "" {
		cfg.Installer.Destination = filepath.Join(cfg.StateDir, "downloads", installerFileName(cfg.Installer.URL))
	}

	ports, err := parsePortRange(v.GetString("application.ports"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid application.ports: %w", err)
	}
	cfg.Application = ApplicationConfig{
		Name:            strings.TrimSpace(v.GetString("application.name")),
		Executable:      strings.TrimSpace(v.GetString("application.executable")),
		Args:            v.GetStringSlice("application.args"),
		Ports:           ports,
		FirewallRule:    strings.TrimSpace(v.GetString("application.firewall_rule")),
		MaxRestarts:     v.GetInt("application.max_restarts"),
		RestartInterval: v.GetDuration("application.restart_interval"),
	}
	if cfg.Application.Name == "" {
		return Config{}, errors.New("application.name must not be empty")
	}
	if cfg.Application.FirewallRule == "" {
		cfg.Application.FirewallRule = cfg.Application.Name + " inbound"
	}
	if cfg.Application.MaxRestarts < 0 {
		return Config{}, fmt.Errorf("application.max_restarts must not be negative")
	}
	if cfg.Application.RestartInterval <= 0 {
		return Config{}, fmt.Errorf("application.restart_interval must be positive")
	}

	cfg.Provision = ProvisionConfig{
		Features:           compact(v.GetStringSlice("provision.features")),
		SubsystemUpdate:    v.GetBool("provision.subsystem_update"),
		MonitorExecutable:  strings.TrimSpace(v.GetString("provision.monitor_executable")),
		MonitorServiceName: strings.TrimSpace(v.GetString("provision.monitor_service_name")),
	}
	if cfg.Provision.MonitorServiceName == "" {
		return Config{}, errors.New("provision.monitor_service_name must not be empty")
	}

	cfg.Monitor = MonitorConfig{
		PollInterval:    v.GetDuration("monitor.poll_interval"),
		LogPath:         strings.TrimSpace(v.GetString("monitor.log_path")),
		AddressURL:      strings.TrimSpace(v.GetString("monitor.address_url")),
		AddressTimeout:  v.GetDuration("monitor.address_timeout"),
		RestoreBaseline: v.GetBool("monitor.restore_baseline"),
		MaxLogBytes:     v.GetInt64("monitor.max_log_bytes"),
		Listen:          strings.TrimSpace(v.GetString("monitor.listen")),
	}
	if cfg.Monitor.PollInterval <= 0 {
		return Config{}, fmt.Errorf("monitor.poll_interval must be positive")
	}
	if cfg.Monitor.AddressTimeout <= 0 {
		return Config{}, fmt.Errorf("monitor.address_timeout must be positive")
	}
	if cfg.Monitor.MaxLogBytes < 0 {
		return Config{}, fmt.Errorf("monitor.max_log_bytes must not be negative")
	}
	if cfg.Monitor.LogPath == "" {
		cfg.Monitor.LogPath = filepath.Join(cfg.StateDir, "monitor.log")
	}
	if err := ensureHTTPURL(cfg.Monitor.AddressURL); err != nil {
		return Config{}, fmt.Errorf("invalid monitor.address_url: %w", err)
	}

	cfg.Alerts = AlertsConfig{
		Enabled:         v.GetBool("alerts.enabled"),
		Dedupe:          DedupePolicy(strings.ToLower(strings.TrimSpace(v.GetString("alerts.dedupe")))),
		CPUThresholdPct: v.GetFloat64("alerts.cpu_threshold_pct"),
		RAMThresholdMB:  v.GetFloat64("alerts.ram_threshold_mb"),
		NATSSubject:     strings.TrimSpace(v.GetString("alerts.nats_subject")),
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(v.GetString("alerts.smtp.host")),
			Port:     v.GetInt("alerts.smtp.port"),
			Username: v.GetString("alerts.smtp.username"),
			Password: v.GetString("alerts.smtp.password"),
			From:     strings.TrimSpace(v.GetString("alerts.smtp.from")),
			To:       compact(v.GetStringSlice("alerts.smtp.to")),
			Timeout:  v.GetDuration("alerts.smtp.timeout"),
		},
	}
	switch cfg.Alerts.Dedupe {
	case DedupeNone, DedupeTransition:
	case "":
		cfg.Alerts.Dedupe = DedupeNone
	default:
		return Config{}, fmt.Errorf("alerts.dedupe must be %q or %q, got %q", DedupeNone, DedupeTransition, cfg.Alerts.Dedupe)
	}
	if cfg.Alerts.CPUThresholdPct < 0 || cfg.Alerts.CPUThresholdPct > 100 {
		return Config{}, fmt.Errorf("alerts.cpu_threshold_pct must be within 0-100, got %v", cfg.Alerts.CPUThresholdPct)
	}
	if cfg.Alerts.RAMThresholdMB < 0 {
		return Config{}, fmt.Errorf("alerts.ram_threshold_mb must not be negative")
	}
	if cfg.Alerts.SMTP.Host != "" && (cfg.Alerts.SMTP.Port <= 0 || cfg.Alerts.SMTP.Port > 65535) {
		return Config{}, fmt.Errorf("alerts.smtp.port %d is outside the valid range 1-65535", cfg.Alerts.SMTP.Port)
	}
	if cfg.Alerts.SMTP.Host != "" && cfg.Alerts.SMTP.Timeout <= 0 {
		return Config{}, fmt.Errorf("alerts.smtp.timeout must be positive")
	}

	cfg.Database = DatabaseConfig{DSN: strings.TrimSpace(v.GetString("database.dsn"))}
	cfg.Bus = BusConfig{URL: strings.TrimSpace(v.GetString("bus.url"))}

	return cfg, nil
}

// ValidateProvisioning checks the settings only a provisioning run needs.
func (c Config) ValidateProvisioning() error {
	if c.Installer.URL == "" {
		return errors.New("installer.url is required for provisioning")
	}
	if err := ensureArtifactURL(c.Installer.URL); err != nil {
		return fmt.Errorf("invalid installer.url: %w", err)
	}
	if c.Application.Executable == "" {
		return errors.New("application.executable is required for provisioning")
	}
	if c.Installer.SHA256 != "" && len(c.Installer.SHA256) != 64 {
		return fmt.Errorf("installer.sha256 must be a 64 character hex digest")
	}
	return nil
}

// defaultFeatures are the optional Windows features the client's Linux
// subsystem depends on. Other platforms have nothing to enable.
func defaultFeatures() []string {
	if runtime.GOOS != "windows" {
		return []string{}
	}
	return []string{"Microsoft-Windows-Subsystem-Linux", "VirtualMachinePlatform"}
}

func defaultStateDir() string {
	if runtime.GOOS == "windows" {
		if base := os.Getenv("ProgramData"); base != "" {
			return filepath.Join(base, "Peerhost")
		}
		return `C:\ProgramData\Peerhost`
	}
	return "/var/lib/peerhost"
}

func installerFileName(raw string) string {
	const fallback = "installer"
	if raw == "" {
		return fallback
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return fallback
	}
	return name
}

func ensureHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("url must use http or https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url is missing a host: %s", raw)
	}
	return nil
}

func ensureArtifactURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "http", "https", "s3":
	default:
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url is missing a host: %s", raw)
	}
	return nil
}

func parsePortRange(value string) (PortRange, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return PortRange{}, errors.New("port range is empty")
	}

	first, last, found := strings.Cut(trimmed, "-")
	start, err := parsePort(first)
	if err != nil {
		return PortRange{}, err
	}
	end := start
	if found {
		end, err = parsePort(last)
		if err != nil {
			return PortRange{}, err
		}
	}
	if start > end {
		return PortRange{}, fmt.Errorf("range start %d is greater than end %d", start, end)
	}
	return PortRange{First: start, Last: end}, nil
}

func parsePort(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	port, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid integer", trimmed)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d is outside the valid range 1-65535", port)
	}
	return port, nil
}

// compact trims entries, drops empty ones and splits comma separated values
// so list settings can be overridden from a single environment variable.
func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
