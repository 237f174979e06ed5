package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置；构造后按值传入各组件，运行期不做全局修改
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Conn    ConnConfig    `yaml:"conn"`
	Channel ChannelConfig `yaml:"channel"`
	Client  ClientConfig  `yaml:"client"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	DefaultRoom     string        `yaml:"default_room"`
	MaxClients      int           `yaml:"max_clients"`
	TickRate        int           `yaml:"tick_rate"`       // 服务端世界 tick 频率（Hz）
	BroadcastEvery  int           `yaml:"broadcast_every"` // 每 N 个 tick 广播一次 FULL_UPDATE
	SpawnInterval   time.Duration `yaml:"spawn_interval"`
	MaxSpawned      int           `yaml:"max_spawned"`
	WorldWidth      float64       `yaml:"world_width"`
	WorldHeight     float64       `yaml:"world_height"`
	InboundRate     float64       `yaml:"inbound_rate"` // 单连接每秒允许的入站消息数，超过即断开
	InboundBurst    int           `yaml:"inbound_burst"`
	MalformedBudget int           `yaml:"malformed_budget"` // 超过该数量的畸形消息即断开连接
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// ConnConfig WebSocket 连接参数
type ConnConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendQueue      int           `yaml:"send_queue"`
}

// ChannelConfig 出站通道参数
type ChannelConfig struct {
	// Rate 不可靠消息的最小发送间隔
	Rate time.Duration `yaml:"rate"`
}

type ClientConfig struct {
	ServerURL          string        `yaml:"server_url"`
	Room               string        `yaml:"room"`
	FrameRate          int           `yaml:"frame_rate"`
	InterpolationDelay time.Duration `yaml:"interpolation_delay"`
	SimulatedLag       time.Duration `yaml:"simulated_lag"`
	SnapThreshold      float64       `yaml:"snap_threshold"` // 超过该距离不插值，直接跳变
	Nickname           string        `yaml:"nickname"`
	Theme              string        `yaml:"theme"`
}

type LogConfig struct {
	File    string `yaml:"file"`
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":28785",
			DefaultRoom:     "room-1",
			MaxClients:      64,
			TickRate:        20,
			BroadcastEvery:  1,
			SpawnInterval:   3 * time.Second,
			MaxSpawned:      8,
			WorldWidth:      900,
			WorldHeight:     600,
			InboundRate:     120,
			InboundBurst:    240,
			MalformedBudget: 5,
			AllowedOrigins:  []string{"*"},
		},
		Conn: ConnConfig{
			WriteTimeout:   10 * time.Second,
			ReadTimeout:    60 * time.Second,
			PingInterval:   25 * time.Second,
			MaxMessageSize: 64 << 10,
			SendQueue:      64,
		},
		Channel: ChannelConfig{
			Rate: 50 * time.Millisecond,
		},
		Client: ClientConfig{
			ServerURL:          "ws://localhost:28785/ws",
			Room:               "room-1",
			FrameRate:          60,
			InterpolationDelay: 100 * time.Millisecond,
			SnapThreshold:      150,
			Nickname:           "bot",
		},
		Log: LogConfig{
			File:  "snowsync.log",
			Level: "debug",
		},
	}
}

// TickInterval 服务端 tick 间隔
func (s ServerConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(s.TickRate)
}

// FrameInterval 客户端帧间隔
func (c ClientConfig) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FrameRate)
}

// Load 读取配置：默认值 → YAML 文件（可选）→ 环境变量
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("SNOWSYNC_ADDR", c.Server.Addr)
	c.Server.MaxClients = getEnvAsInt("SNOWSYNC_MAX_CLIENTS", c.Server.MaxClients)
	c.Server.TickRate = getEnvAsInt("SNOWSYNC_TICK_RATE", c.Server.TickRate)
	if v := getEnv("SNOWSYNC_ALLOWED_ORIGINS", ""); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}
	c.Channel.Rate = getEnvAsDuration("SNOWSYNC_CHANNEL_RATE", c.Channel.Rate)
	c.Client.ServerURL = getEnv("SNOWSYNC_SERVER_URL", c.Client.ServerURL)
	c.Client.Nickname = getEnv("SNOWSYNC_NICKNAME", c.Client.Nickname)
	c.Client.InterpolationDelay = getEnvAsDuration("SNOWSYNC_INTERP", c.Client.InterpolationDelay)
	c.Client.SimulatedLag = getEnvAsDuration("SNOWSYNC_FAKELAG", c.Client.SimulatedLag)
	c.Log.File = getEnv("SNOWSYNC_LOG_FILE", c.Log.File)
	c.Log.Level = getEnv("SNOWSYNC_LOG_LEVEL", c.Log.Level)
}

// Validate 校验数值型参数
func (c Config) Validate() error {
	switch {
	case c.Server.TickRate <= 0:
		return fmt.Errorf("server.tick_rate must be positive, got %d", c.Server.TickRate)
	case c.Server.BroadcastEvery <= 0:
		return fmt.Errorf("server.broadcast_every must be positive, got %d", c.Server.BroadcastEvery)
	case c.Server.MaxClients <= 0:
		return fmt.Errorf("server.max_clients must be positive, got %d", c.Server.MaxClients)
	case c.Server.InboundRate <= 0 || c.Server.InboundBurst <= 0:
		return errors.New("server.inbound_rate and server.inbound_burst must be positive")
	case c.Conn.SendQueue <= 0:
		return fmt.Errorf("conn.send_queue must be positive, got %d", c.Conn.SendQueue)
	case c.Channel.Rate < 0:
		return fmt.Errorf("channel.rate must not be negative, got %s", c.Channel.Rate)
	case c.Client.FrameRate <= 0:
		return fmt.Errorf("client.frame_rate must be positive, got %d", c.Client.FrameRate)
	case c.Client.SnapThreshold <= 0:
		return fmt.Errorf("client.snap_threshold must be positive, got %v", c.Client.SnapThreshold)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
