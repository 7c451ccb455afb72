package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Global     GlobalConfig     `mapstructure:"global" yaml:"global"`
	Servers    []ServerConfig   `mapstructure:"servers" yaml:"servers"`
	Posting    PostingConfig    `mapstructure:"posting" yaml:"posting"`
	Processing ProcessingConfig `mapstructure:"processing" yaml:"processing"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`

	Port string `mapstructure:"port" yaml:"port"`
}

type GlobalConfig struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`
}

// ServerConfig describes one NNTP server. Backups are full server records
// consulted in order when the primary misses or errors.
type ServerConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"password"`
	TLS       bool   `mapstructure:"secure" yaml:"secure"`
	TLSVerify bool   `mapstructure:"verify_cert" yaml:"verify_cert"`
	Compress  bool   `mapstructure:"compress" yaml:"compress"`
	JoinGroup bool   `mapstructure:"join_group" yaml:"join_group"`
	UseHead   bool   `mapstructure:"use_head" yaml:"use_head"`
	UseBody   bool   `mapstructure:"use_body" yaml:"use_body"`
	Priority  int    `mapstructure:"priority" yaml:"priority"`
	Encoding  string `mapstructure:"encoding" yaml:"encoding"`

	Backups []ServerConfig `mapstructure:"backups" yaml:"backups"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type PostingConfig struct {
	Poster         string `mapstructure:"poster" yaml:"poster"`
	Subject        string `mapstructure:"subject" yaml:"subject"`
	MaxArticleSize int64  `mapstructure:"max_article_size" yaml:"max_article_size"`
	MaxArchiveSize string `mapstructure:"max_archive_size" yaml:"max_archive_size"`
}

type ProcessingConfig struct {
	Threads         int    `mapstructure:"threads" yaml:"threads"`
	HeaderBatchSize int    `mapstructure:"header_batch_size" yaml:"header_batch_size"`
	Ramdisk         string `mapstructure:"ramdisk" yaml:"ramdisk"`
}

type DatabaseConfig struct {
	// Engine is a URL: a plain path or sqlite:// URL selects the embedded
	// sqlite driver, postgres:// selects pgx.
	Engine string `mapstructure:"engine" yaml:"engine"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	v := viper.New()

	// Set Defaults
	v.SetDefault("port", "8080")
	v.SetDefault("global.base_dir", "~/.newsreap")
	v.SetDefault("global.work_dir", "<base_dir>/var/tmp")
	v.SetDefault("posting.poster", "newsreaper <news@reap.er>")
	v.SetDefault("posting.subject", `"{{filename}}" yEnc ({{part}}/{{total_parts}})`)
	v.SetDefault("posting.max_article_size", int64(768*1024))
	v.SetDefault("posting.max_archive_size", "auto")
	v.SetDefault("processing.threads", 5)
	v.SetDefault("processing.header_batch_size", 5000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	// Support Environment Variables
	v.SetEnvPrefix("NEWSREAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}

	for i := range c.Servers {
		if err := normalizeServer(&c.Servers[i], i); err != nil {
			return err
		}
	}

	// work_dir supports <base_dir> substitution
	c.Global.WorkDir = strings.ReplaceAll(c.Global.WorkDir, "<base_dir>", c.Global.BaseDir)

	if c.Processing.Threads <= 0 {
		c.Processing.Threads = 5
	}
	if c.Processing.HeaderBatchSize <= 0 {
		c.Processing.HeaderBatchSize = 5000
	}

	return nil
}

func normalizeServer(s *ServerConfig, idx int) error {
	if s.Host == "" {
		return fmt.Errorf("server[%d]: host is required", idx)
	}
	if s.Port == 0 {
		if s.TLS {
			s.Port = 563
		} else {
			s.Port = 119
		}
	}
	if s.TLS && s.Port == 119 {
		fmt.Println("Warning: TLS is enabled but port is set to 119 (standard non-TLS)")
	}
	if s.Priority == 0 {
		s.Priority = 1
	}
	for i := range s.Backups {
		if err := normalizeServer(&s.Backups[i], i); err != nil {
			return fmt.Errorf("server[%d] backup: %w", idx, err)
		}
	}
	return nil
}
