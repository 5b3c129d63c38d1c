// Package config 定义 sensorlink 的类型化配置、默认值与校验。
package config

import (
	"time"

	"github.com/lk2023060901/sensorlink-go/internal/crypto"
	"github.com/lk2023060901/sensorlink-go/internal/envelope"
	"github.com/lk2023060901/sensorlink-go/internal/scenario"
	"github.com/lk2023060901/sensorlink-go/internal/transport"
	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
	zviper "github.com/lk2023060901/sensorlink-go/pkg/util/viper"
)

// EnvPrefix 为覆盖配置项的环境变量前缀，例如 SENSORLINK_CRYPTO_MODE。
const EnvPrefix = "SENSORLINK"

type SensorConfig struct {
	ID     string `mapstructure:"id" json:"id"`
	Marker string `mapstructure:"marker" json:"marker"`
}

// CryptoConfig 中的 Key 为 32 位十六进制字符串，None 模式可以留空。
type CryptoConfig struct {
	Mode string `mapstructure:"mode" json:"mode"`
	Key  string `mapstructure:"key" json:"-"`
}

type EnvelopeConfig struct {
	Framing    string `mapstructure:"framing" json:"framing"`
	MaxPayload int    `mapstructure:"max_payload" json:"max_payload"`
}

type TransportConfig struct {
	MTU       int `mapstructure:"mtu" json:"mtu"`
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`
}

type ExperimentConfig struct {
	Scenario   int    `mapstructure:"scenario" json:"scenario"`
	MaxPackets uint32 `mapstructure:"max_packets" json:"max_packets"`
	Sequential bool   `mapstructure:"sequential" json:"sequential"`
	// Interval 非零时覆盖场景自带的发送间隔，便于快速回归。
	Interval    time.Duration `mapstructure:"interval" json:"interval"`
	TailTimeout time.Duration `mapstructure:"tail_timeout" json:"tail_timeout"`
	DumpDir     string        `mapstructure:"dump_dir" json:"dump_dir"`
	Compression string        `mapstructure:"compression" json:"compression"`
}

// MetricsConfig.Listen 非空时在该地址暴露 /metrics。
type MetricsConfig struct {
	Listen string `mapstructure:"listen" json:"listen"`
}

// Config 对应配置文件的顶层结构，logging 段由 application 单独解析。
type Config struct {
	Sensor     SensorConfig     `mapstructure:"sensor" json:"sensor"`
	Crypto     CryptoConfig     `mapstructure:"crypto" json:"crypto"`
	Envelope   EnvelopeConfig   `mapstructure:"envelope" json:"envelope"`
	Transport  TransportConfig  `mapstructure:"transport" json:"transport"`
	Experiment ExperimentConfig `mapstructure:"experiment" json:"experiment"`
	Metrics    MetricsConfig    `mapstructure:"metrics" json:"metrics"`
}

// defaults 以扁平 key 给出，同时作为环境变量可覆盖的 key 列表。
var defaults = map[string]any{
	"sensor.id":               "TEMP-01",
	"sensor.marker":           envelope.DefaultMarker,
	"crypto.mode":             crypto.ModeMaskedAscon.String(),
	"crypto.key":              "",
	"envelope.framing":        envelope.FramingMarkerScan.String(),
	"envelope.max_payload":    envelope.DefaultMaxPayload,
	"transport.mtu":           transport.DefaultMTU,
	"transport.queue_size":    16,
	"experiment.scenario":     scenario.MinID,
	"experiment.max_packets":  scenario.DefaultMaxPackets,
	"experiment.sequential":   false,
	"experiment.interval":     time.Duration(0),
	"experiment.tail_timeout": 2 * time.Second,
	"experiment.dump_dir":     "./ledger",
	"experiment.compression":  "zstd",
	"metrics.listen":          "",
}

// ApplyDefaults 把默认值和环境变量覆盖注册到 v 上，需在 LoadFile 之前调用。
func ApplyDefaults(v *zviper.Config) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.BindEnv(EnvPrefix)
}

// Load 从已加载的 viper 配置中反序列化并校验。
func Load(v *zviper.Config) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, merr.WrapErrInvalidConfig("config", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 做与运行环境无关的静态检查，信封预算由 envelope.NewCodec 在构造时再校验一次。
func (c *Config) Validate() error {
	if err := envelope.ValidateSensorID(c.Sensor.ID); err != nil {
		return merr.WrapErrInvalidConfig("sensor.id", err.Error())
	}
	mode, err := c.Mode()
	if err != nil {
		return err
	}
	if mode.Keyed() {
		if _, err := c.Key(); err != nil {
			return err
		}
	}
	if _, err := c.Framing(); err != nil {
		return merr.WrapErrInvalidConfig("envelope.framing", err.Error())
	}
	if c.Envelope.MaxPayload <= 0 || c.Envelope.MaxPayload > 0xFFFF {
		return merr.WrapErrInvalidConfig("envelope.max_payload", "must be in [1, 65535]")
	}
	if c.Transport.MTU < c.Envelope.MaxPayload {
		return merr.WrapErrInvalidConfig("transport.mtu", "smaller than envelope.max_payload")
	}
	if c.Transport.QueueSize <= 0 {
		return merr.WrapErrInvalidConfig("transport.queue_size", "must be positive")
	}
	if _, err := scenario.Configure(c.Experiment.Scenario, c.Experiment.MaxPackets); err != nil {
		return merr.WrapErrInvalidConfig("experiment", err.Error())
	}
	if c.Experiment.MaxPackets > 1<<16 {
		return merr.WrapErrInvalidConfig("experiment.max_packets", "exceeds the 16-bit sequence space")
	}
	if c.Experiment.Interval < 0 || c.Experiment.TailTimeout < 0 {
		return merr.WrapErrInvalidConfig("experiment", "durations must not be negative")
	}
	return nil
}

// Mode 解析 crypto.mode。
func (c *Config) Mode() (crypto.Mode, error) {
	m, err := crypto.ParseMode(c.Crypto.Mode)
	if err != nil {
		return 0, merr.WrapErrInvalidConfig("crypto.mode", err.Error())
	}
	return m, nil
}

// Key 解码 crypto.key，错误信息里不包含密钥内容。
func (c *Config) Key() ([]byte, error) {
	key, err := crypto.ParseKey(c.Crypto.Key)
	if err != nil {
		return nil, merr.WrapErrInvalidConfig("crypto.key", "expected 32 hex characters")
	}
	return key, nil
}

func (c *Config) Framing() (envelope.Framing, error) {
	return envelope.ParseFraming(c.Envelope.Framing)
}

// CodecOptions 返回与配置对应的信封选项。
func (c *Config) CodecOptions() ([]envelope.Option, error) {
	framing, err := c.Framing()
	if err != nil {
		return nil, err
	}
	return []envelope.Option{
		envelope.WithMarker(c.Sensor.Marker),
		envelope.WithFraming(framing),
		envelope.WithMaxPayload(c.Envelope.MaxPayload),
	}, nil
}
