package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		// 为空时不启用跨实例广播
		FanoutChannel string `mapstructure:"fanoutChannel"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		// auth-service 根地址，例如 http://localhost:3001
		Path      string `mapstructure:"path"`
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Tunables Tunables `mapstructure:"tunables"`
}

// Tunables are UX tradeoffs between latency and thrash, not correctness
// requirements. Every value can be overridden from yaml or COLLAB_TUNABLES_* env.
type Tunables struct {
	// client: delay between the last keystroke and the content-change emit
	Debounce time.Duration `mapstructure:"debounce"`
	// client: how long a field stays LocalEditing after a keystroke
	LocalEditWindow time.Duration `mapstructure:"localEditWindow"`
	// client: minimum quiet time after a keystroke before a remote value may replace it
	AntiThrash time.Duration `mapstructure:"antiThrash"`
	// client: change queue capacity and batch delay
	QueueSize  int           `mapstructure:"queueSize"`
	BatchDelay time.Duration `mapstructure:"batchDelay"`
	// client: ping interval
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`

	// server: sessions older than StaleAfter without a live connection are evicted
	StaleAfter    time.Duration `mapstructure:"staleAfter"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	// server: upper bound for the user-directory lookup on join
	IdentityTimeout time.Duration `mapstructure:"identityTimeout"`
	// server: per-connection outbound buffer; full buffers drop messages
	SendBuffer int `mapstructure:"sendBuffer"`
	// server: per-connection inbound frames per second
	InboundRate  float64 `mapstructure:"inboundRate"`
	InboundBurst int     `mapstructure:"inboundBurst"`
}

const (
	DefaultDebounce          = 300 * time.Millisecond
	DefaultLocalEditWindow   = 300 * time.Millisecond
	DefaultAntiThrash        = 300 * time.Millisecond
	DefaultQueueSize         = 10
	DefaultBatchDelay        = 5 * time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleAfter        = 5 * time.Minute
	DefaultSweepInterval     = time.Minute
	DefaultIdentityTimeout   = 800 * time.Millisecond
	DefaultSendBuffer        = 64
	DefaultInboundRate       = 50
	DefaultInboundBurst      = 100
)

// DefaultTunables returns the values the protocol was tuned with.
func DefaultTunables() Tunables {
	return Tunables{
		Debounce:          DefaultDebounce,
		LocalEditWindow:   DefaultLocalEditWindow,
		AntiThrash:        DefaultAntiThrash,
		QueueSize:         DefaultQueueSize,
		BatchDelay:        DefaultBatchDelay,
		HeartbeatInterval: DefaultHeartbeatInterval,
		StaleAfter:        DefaultStaleAfter,
		SweepInterval:     DefaultSweepInterval,
		IdentityTimeout:   DefaultIdentityTimeout,
		SendBuffer:        DefaultSendBuffer,
		InboundRate:       DefaultInboundRate,
		InboundBurst:      DefaultInboundBurst,
	}
}

// WithDefaults fills zero values.
func (t Tunables) WithDefaults() Tunables {
	d := DefaultTunables()
	if t.Debounce <= 0 {
		t.Debounce = d.Debounce
	}
	if t.LocalEditWindow <= 0 {
		t.LocalEditWindow = d.LocalEditWindow
	}
	if t.AntiThrash < 0 {
		t.AntiThrash = 0
	}
	if t.QueueSize <= 0 {
		t.QueueSize = d.QueueSize
	}
	if t.BatchDelay <= 0 {
		t.BatchDelay = d.BatchDelay
	}
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = d.HeartbeatInterval
	}
	if t.StaleAfter <= 0 {
		t.StaleAfter = d.StaleAfter
	}
	if t.SweepInterval <= 0 {
		t.SweepInterval = d.SweepInterval
	}
	if t.IdentityTimeout <= 0 {
		t.IdentityTimeout = d.IdentityTimeout
	}
	if t.SendBuffer <= 0 {
		t.SendBuffer = d.SendBuffer
	}
	if t.InboundRate <= 0 {
		t.InboundRate = d.InboundRate
	}
	if t.InboundBurst <= 0 {
		t.InboundBurst = d.InboundBurst
	}
	return t
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultTunables()
	v.SetDefault("running.port", 8082)
	v.SetDefault("kafka.topic", "snippet-collab-events")
	v.SetDefault("tunables.debounce", d.Debounce)
	v.SetDefault("tunables.localEditWindow", d.LocalEditWindow)
	v.SetDefault("tunables.antiThrash", d.AntiThrash)
	v.SetDefault("tunables.queueSize", d.QueueSize)
	v.SetDefault("tunables.batchDelay", d.BatchDelay)
	v.SetDefault("tunables.heartbeatInterval", d.HeartbeatInterval)
	v.SetDefault("tunables.staleAfter", d.StaleAfter)
	v.SetDefault("tunables.sweepInterval", d.SweepInterval)
	v.SetDefault("tunables.identityTimeout", d.IdentityTimeout)
	v.SetDefault("tunables.sendBuffer", d.SendBuffer)
	v.SetDefault("tunables.inboundRate", d.InboundRate)
	v.SetDefault("tunables.inboundBurst", d.InboundBurst)
	return v
}

// Load reads collabConfig.yaml. A missing file is not an error: defaults and
// env overrides still apply.
func Load() (*Config, *viper.Viper, error) {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, err
		}
		log.Printf("config file not found, using defaults and env")
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.Tunables = cfg.Tunables.WithDefaults()
	return cfg, nil
}

// Watch re-decodes the tunables whenever the config file changes.
func Watch(v *viper.Viper, onChange func(Tunables)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Printf("reload config %s failed: %v", e.Name, err)
			return
		}
		log.Printf("config %s changed, tunables reloaded", e.Name)
		onChange(cfg.Tunables)
	})
	v.WatchConfig()
}
