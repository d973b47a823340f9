package config

import (
	"errors"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/cronexpr"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDhis2Password    = "DHIS2_PASSWORD"
	EnvAlmaToken        = "ALMA_TOKEN"
	EnvPostgresPassword = "POSTGRES_PASSWORD"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Scheduler Scheduler `yaml:"scheduler"`
	Log       Log       `yaml:"log"`
	Dhis2     Dhis2     `yaml:"dhis2"`
	Alma      Alma      `yaml:"alma"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	KeepAlive       time.Duration `yaml:"keep_alive"`
}

type Database struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     uint   `yaml:"port"`
	User     string `yaml:"user"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	Password string `yaml:"-"`
}

type Scheduler struct {
	Timezone        string `yaml:"timezone"`
	SubscriberQueue int    `yaml:"subscriber_queue"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Dhis2 struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"-"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type Alma struct {
	URL               string        `yaml:"url"`
	Path              string        `yaml:"path"`
	Token             string        `yaml:"-"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:            "localhost:8080",
			ShutdownTimeout: 30 * time.Second,
			KeepAlive:       15 * time.Second,
		},
		Database: Database{
			Driver:  "sqlite",
			Path:    "dhis2-alma.db",
			Port:    5432,
			SSLMode: "disable",
		},
		Scheduler: Scheduler{
			Timezone:        cronexpr.DefaultTimezone,
			SubscriberQueue: 16,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Dhis2: Dhis2{
			Timeout:           time.Minute,
			RequestsPerSecond: 5,
		},
		Alma: Alma{
			Timeout:           time.Minute,
			RequestsPerSecond: 5,
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	config := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed reading config file: %w", err)
		}
		if err = yaml.Unmarshal(content, &config); err != nil {
			return Config{}, fmt.Errorf("failed parsing config file %s: %w", path, err)
		}
	}
	config.applyEnv()
	return config, nil
}

func (c *Config) applyEnv() {
	if password, ok := os.LookupEnv(EnvDhis2Password); ok {
		c.Dhis2.Password = password
	}
	if token, ok := os.LookupEnv(EnvAlmaToken); ok {
		c.Alma.Token = token
	}
	if password, ok := os.LookupEnv(EnvPostgresPassword); ok {
		c.Database.Password = password
	}
}

func (c Config) Validate() error {
	var problems []string
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			problems = append(problems, "database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
			problems = append(problems, "database.host, database.user and database.name are required for postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported database.driver %q", c.Database.Driver))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("unknown scheduler.timezone %q", c.Scheduler.Timezone))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("unknown log.level %q", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}
	for name, raw := range map[string]string{"dhis2.url": c.Dhis2.URL, "alma.url": c.Alma.URL} {
		if raw == "" {
			continue
		}
		if parsed, err := url.Parse(raw); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			problems = append(problems, fmt.Sprintf("%s must be an absolute url", name))
		}
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// DataSourceName is the sql.Open argument for the configured driver.
// Postgres gets a URL so credentials need no quoting.
func (d Database) DataSourceName() string {
	if d.Driver == "postgres" {
		dsn := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.User, d.Password),
			Host:     net.JoinHostPort(d.Host, strconv.FormatUint(uint64(d.Port), 10)),
			Path:     "/" + d.Name,
			RawQuery: url.Values{"sslmode": []string{d.SSLMode}}.Encode(),
		}
		return dsn.String()
	}
	return d.Path
}

// ConfigureLogging applies level and format to the package-level logger.
func (l Log) ConfigureLogging() error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("failed parsing log level: %w", err)
	}
	log.SetLevel(level)
	if l.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
