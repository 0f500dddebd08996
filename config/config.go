package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Delivery struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type Retry struct {
	Limit float64 `yaml:"limit"` // Resubmissions per second
	Burst int     `yaml:"burst"` // Burst size
}

type Pools struct {
	HandlerWorkers int `yaml:"handlerWorkers"`
	PublishWorkers int `yaml:"publishWorkers"`
	QueueDepth     int `yaml:"queueDepth"`
}

type Monitor struct {
	Enabled         bool `yaml:"enabled"`
	SendBufferSize  int  `yaml:"sendBufferSize"`
	MaxConnections  int  `yaml:"maxConnections"`
	ReadBufferSize  int  `yaml:"readBufferSize"`
	WriteBufferSize int  `yaml:"writeBufferSize"`
}

type Service struct {
	SocketPath string   `yaml:"socketPath"`
	DataDir    string   `yaml:"dataDir"`
	LogLevel   string   `yaml:"logLevel,omitempty"`
	Topics     []string `yaml:"topics,omitempty"`
	Delivery   Delivery `yaml:"delivery"`
	Retry      Retry    `yaml:"retry"`
	Pools      Pools    `yaml:"pools"`
	Monitor    Monitor  `yaml:"monitor"`
}

var (
	ErrConfigFileUnreadable      = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable  = errors.New("config file is unmarshallable")
	ErrSocketPathMissing         = errors.New("socketPath is missing in config")
	ErrDataDirMissing            = errors.New("dataDir is missing in config and is required for subscription storage")
	ErrDeliveryConnectTimeout    = errors.New("delivery.connectTimeout is missing or invalid in config")
	ErrDeliveryRequestTimeout    = errors.New("delivery.requestTimeout is missing or invalid in config")
	ErrRetryLimitMissing         = errors.New("retry.limit is missing or invalid in config")
	ErrPoolHandlerWorkersMissing = errors.New("pools.handlerWorkers is missing or invalid in config")
	ErrPoolPublishWorkersMissing = errors.New("pools.publishWorkers is missing or invalid in config")
	ErrPoolQueueDepthMissing     = errors.New("pools.queueDepth is missing or invalid in config")
	ErrMonitorSendBufferMissing  = errors.New("monitor.sendBufferSize is missing or invalid in config")
	ErrMonitorMaxConnsMissing    = errors.New("monitor.maxConnections is missing or invalid in config")
)

func Load(configFile string) (*Service, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Service
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.SocketPath == "" {
		return nil, ErrSocketPathMissing
	}
	if cfg.DataDir == "" {
		return nil, ErrDataDirMissing
	}
	if cfg.Delivery.ConnectTimeout <= 0 {
		return nil, ErrDeliveryConnectTimeout
	}
	if cfg.Delivery.RequestTimeout <= 0 {
		return nil, ErrDeliveryRequestTimeout
	}
	if cfg.Retry.Limit <= 0 {
		return nil, ErrRetryLimitMissing
	}
	if cfg.Retry.Burst <= 0 {
		cfg.Retry.Burst = 1
	}
	if cfg.Pools.HandlerWorkers <= 0 {
		return nil, ErrPoolHandlerWorkersMissing
	}
	if cfg.Pools.PublishWorkers <= 0 {
		return nil, ErrPoolPublishWorkersMissing
	}
	if cfg.Pools.QueueDepth <= 0 {
		return nil, ErrPoolQueueDepthMissing
	}

	if cfg.Monitor.Enabled {
		if cfg.Monitor.SendBufferSize <= 0 {
			return nil, ErrMonitorSendBufferMissing
		}
		if cfg.Monitor.MaxConnections <= 0 {
			return nil, ErrMonitorMaxConnsMissing
		}
		if cfg.Monitor.ReadBufferSize <= 0 {
			cfg.Monitor.ReadBufferSize = 4096
		}
		if cfg.Monitor.WriteBufferSize <= 0 {
			cfg.Monitor.WriteBufferSize = 4096
		}
	}

	return &cfg, nil
}

// Generate returns a default configuration suitable for a first run.
// Writing it to disk is the caller's concern (the daemon's --new-cfg flag).
func Generate() *Service {
	return &Service{
		SocketPath: "/tmp/skillbus.sock",
		DataDir:    "data/skillbus",
		LogLevel:   "info",
		Topics:     []string{"weather"},
		Delivery: Delivery{
			ConnectTimeout: 1 * time.Second,
			RequestTimeout: 20 * time.Second,
		},
		Retry: Retry{
			Limit: 2.0,
			Burst: 4,
		},
		Pools: Pools{
			HandlerWorkers: 4,
			PublishWorkers: 8,
			QueueDepth:     256,
		},
		Monitor: Monitor{
			Enabled:         true,
			SendBufferSize:  256,
			MaxConnections:  16,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}
