// Package config загружает конфигурацию backchannel сервиса из YAML.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/rtsp_backchannel/pkg/media"
)

// Config конфигурация сервиса
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backchannel BackchannelConfig `yaml:"backchannel"`
	Audio       AudioConfig       `yaml:"audio"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig параметры RTP сокетов
type ServerConfig struct {
	BindIP       string `yaml:"bind_ip"`
	RTPPortStart int    `yaml:"rtp_port_start"`
	RTCPMux      bool   `yaml:"rtcp_mux"`
	RecvBuffer   int    `yaml:"recv_buffer"`
	DSCP         int    `yaml:"dscp"`
}

// BackchannelConfig параметры сессий
type BackchannelConfig struct {
	Formats           []string      `yaml:"formats"`
	Control           string        `yaml:"control"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	ReportInterval    time.Duration `yaml:"report_interval"`
	CNAME             string        `yaml:"cname"`
	MaxFrameSize      int           `yaml:"max_frame_size"`
	L16Rate           int           `yaml:"l16_rate"`
}

// AudioConfig параметры выхода PCM
type AudioConfig struct {
	OutputPath    string        `yaml:"output_path"`
	CreateFIFO    bool          `yaml:"create_fifo"`
	OutputRate    int           `yaml:"output_rate"`
	BlockDuration time.Duration `yaml:"block_duration"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text или json
	Output string `yaml:"output"` // stdout, stderr или путь к файлу
}

// MetricsConfig параметры экспорта метрик
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	return Config{
		Server: ServerConfig{
			BindIP:       "0.0.0.0",
			RTPPortStart: 6970,
			RecvBuffer:   65535,
			DSCP:         46,
		},
		Backchannel: BackchannelConfig{
			Formats:           []string{"PCMU", "PCMA", "L16", "opus"},
			Control:           "trackID=backchannel",
			InactivityTimeout: 5 * time.Second,
			ReportInterval:    5 * time.Second,
			MaxFrameSize:      2048,
			L16Rate:           16000,
		},
		Audio: AudioConfig{
			OutputPath:    "/tmp/backchannel.pcm",
			CreateFIFO:    true,
			OutputRate:    16000,
			BlockDuration: 20 * time.Millisecond,
			WriteTimeout:  200 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9102",
		},
	}
}

// Load читает YAML поверх значений по умолчанию и проверяет результат
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("чтение конфигурации: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("разбор конфигурации %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if net.ParseIP(c.Server.BindIP) == nil {
		return fmt.Errorf("server.bind_ip: неверный адрес %q", c.Server.BindIP)
	}
	if c.Server.RTPPortStart < 1 || c.Server.RTPPortStart > 65535 {
		return fmt.Errorf("server.rtp_port_start: %d вне диапазона 1-65535", c.Server.RTPPortStart)
	}
	if c.Server.RecvBuffer < 0 {
		return fmt.Errorf("server.recv_buffer: отрицательный размер")
	}
	if c.Server.DSCP < 0 || c.Server.DSCP > 63 {
		return fmt.Errorf("server.dscp: %d вне диапазона 0-63", c.Server.DSCP)
	}

	if len(c.Backchannel.Formats) == 0 {
		return fmt.Errorf("backchannel.formats: список пуст")
	}
	if _, err := c.Backchannel.ParsedFormats(); err != nil {
		return err
	}
	if c.Backchannel.InactivityTimeout <= 0 {
		return fmt.Errorf("backchannel.inactivity_timeout: должен быть положительным")
	}
	if c.Backchannel.ReportInterval <= 0 {
		return fmt.Errorf("backchannel.report_interval: должен быть положительным")
	}
	if c.Backchannel.MaxFrameSize < 12 {
		return fmt.Errorf("backchannel.max_frame_size: %d меньше заголовка RTP", c.Backchannel.MaxFrameSize)
	}
	if c.Backchannel.L16Rate <= 0 {
		return fmt.Errorf("backchannel.l16_rate: должна быть положительной")
	}

	if c.Audio.OutputPath == "" {
		return fmt.Errorf("audio.output_path: не задан")
	}
	if c.Audio.OutputRate <= 0 {
		return fmt.Errorf("audio.output_rate: должна быть положительной")
	}
	if c.Audio.BlockDuration < time.Millisecond {
		return fmt.Errorf("audio.block_duration: %v меньше 1ms", c.Audio.BlockDuration)
	}
	if c.Audio.WriteTimeout < 0 {
		return fmt.Errorf("audio.write_timeout: отрицательный")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: неизвестный формат %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen: не задан")
	}
	return nil
}

// ParsedFormats возвращает форматы по MIME токенам
func (b BackchannelConfig) ParsedFormats() ([]media.Format, error) {
	formats := make([]media.Format, 0, len(b.Formats))
	seen := make(map[media.Format]bool)
	for _, name := range b.Formats {
		format, ok := media.FormatByMIME(name)
		if !ok {
			return nil, fmt.Errorf("backchannel.formats: неизвестный формат %q", name)
		}
		if seen[format] {
			return nil, fmt.Errorf("backchannel.formats: формат %q указан дважды", name)
		}
		seen[format] = true
		formats = append(formats, format)
	}
	return formats, nil
}
