// Package config holds the runtime configuration of the compliance server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines the runtime configuration for the compliance server.
type Config struct {
	HTTPAddr    string   `yaml:"http_addr"`
	MetricsAddr string   `yaml:"metrics_addr"`
	PprofAddr   string   `yaml:"pprof_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
	// AuditDir enables the verdict audit recorder. Empty disables it.
	AuditDir string `yaml:"audit_dir"`

	LogLevel  string `yaml:"log_level"`
	LogColor  bool   `yaml:"log_color"`
	LogFormat string `yaml:"log_format"`

	Detection DetectionConfig `yaml:"detection"`
	Pose      PoseConfig      `yaml:"pose"`
	Stream    StreamConfig    `yaml:"stream"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// DetectionConfig covers the PPE detector dependency.
type DetectionConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	PPEServiceURL       string        `yaml:"ppe_service_url"`
	HealthTimeout       time.Duration `yaml:"health_timeout"`
	DetectTimeout       time.Duration `yaml:"detect_timeout"`
}

// PoseConfig covers the local pose model.
type PoseConfig struct {
	ModelPath      string  `yaml:"model_path"`
	RuntimeLibrary string  `yaml:"runtime_library"`
	InputSize      int     `yaml:"input_size"`
	Sessions       int     `yaml:"sessions"`
	IoUThreshold   float64 `yaml:"iou_threshold"`
}

// StreamConfig covers the WebSocket session surface.
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	InactiveTimeout   time.Duration `yaml:"inactive_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxConnections    int           `yaml:"max_connections"`
	MaxImageSizeMB    float64       `yaml:"max_image_size_mb"`
}

// MQTTConfig covers the optional verdict publisher. An empty broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    "0.0.0.0:8000",
		MetricsAddr: ":9090",
		PprofAddr:   "",
		CORSOrigins: []string{
			"http://localhost:5173",
			"http://localhost:3000",
			"http://127.0.0.1:5173",
			"http://127.0.0.1:3000",
		},
		LogLevel:  "info",
		LogColor:  false,
		LogFormat: "text",
		Detection: DetectionConfig{
			ConfidenceThreshold: 0.5,
			PPEServiceURL:       "http://localhost:3001",
			HealthTimeout:       5 * time.Second,
			DetectTimeout:       30 * time.Second,
		},
		Pose: PoseConfig{
			ModelPath:      "models/yolov8n-pose.onnx",
			RuntimeLibrary: "",
			InputSize:      640,
			Sessions:       2,
			IoUThreshold:   0.45,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 15 * time.Second,
			InactiveTimeout:   120 * time.Second,
			WriteTimeout:      10 * time.Second,
			MaxConnections:    50,
			MaxImageSizeMB:    2.0,
		},
		MQTT: MQTTConfig{
			ClientID: "ppe-compliance-server",
			Topic:    "ppe/verdicts",
		},
	}
}

// Load returns defaults overlaid with the YAML file at path (if any) and
// then the environment.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDR", &c.HTTPAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("AUDIT_DIR", &c.AuditDir)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("PPE_SERVICE_URL", &c.Detection.PPEServiceURL)
	str("POSE_MODEL_PATH", &c.Pose.ModelPath)
	str("ONNXRUNTIME_LIB", &c.Pose.RuntimeLibrary)
	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_TOPIC", &c.MQTT.Topic)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)

	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		c.CORSOrigins = splitList(v)
	}
	if v, ok := lookup("CONFIDENCE_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CONFIDENCE_THRESHOLD: %w", err)
		}
		c.Detection.ConfidenceThreshold = f
	}
	if v, ok := lookup("WS_MAX_CONNECTIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WS_MAX_CONNECTIONS: %w", err)
		}
		c.Stream.MaxConnections = n
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if t := c.Detection.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold %.2f outside [0,1]", t))
	}
	if u, err := url.Parse(c.Detection.PPEServiceURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("ppe_service_url %q is not an absolute URL", c.Detection.PPEServiceURL))
	}
	if c.Detection.HealthTimeout <= 0 || c.Detection.DetectTimeout <= 0 {
		errs = append(errs, errors.New("detection timeouts must be positive"))
	}
	if c.Pose.InputSize <= 0 || c.Pose.InputSize%32 != 0 {
		errs = append(errs, fmt.Errorf("pose input_size %d must be a positive multiple of 32", c.Pose.InputSize))
	}
	if c.Pose.Sessions <= 0 {
		errs = append(errs, errors.New("pose sessions must be positive"))
	}
	if c.Stream.InactiveTimeout <= 0 || c.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("stream timeouts must be positive"))
	}
	if c.Stream.HeartbeatInterval >= c.Stream.InactiveTimeout {
		errs = append(errs, errors.New("heartbeat_interval must be shorter than inactive_timeout"))
	}
	if c.Stream.MaxConnections <= 0 {
		errs = append(errs, errors.New("max_connections must be positive"))
	}
	if c.Stream.MaxImageSizeMB <= 0 {
		errs = append(errs, errors.New("max_image_size_mb must be positive"))
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt topic is required when a broker is set"))
	}
	return errors.Join(errs...)
}

// MaxImageBytes is the decoded image size limit.
func (s StreamConfig) MaxImageBytes() int64 {
	return int64(s.MaxImageSizeMB * 1024 * 1024)
}

// MaxMessageBytes bounds inbound frames and request bodies. Base64 inflates
// payloads by a third, plus JSON framing.
func (s StreamConfig) MaxMessageBytes() int64 {
	return s.MaxImageBytes() * 10
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
