package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/librescoot/evse-service/internal/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Actuator backends
const (
	BackendDBus   = "dbus"
	BackendRedis  = "redis"
	BackendGPIO   = "gpio"
	BackendDryRun = "dry-run"
)

type Config struct {
	// UID names this charger in notifications and topics.
	UID string `mapstructure:"uid" yaml:"uid"`
	// API prefixes the supervisory request lists and the status hash.
	API string `mapstructure:"api" yaml:"api"`

	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Heartbeat time.Duration   `mapstructure:"heartbeat" yaml:"heartbeat"`
	Actuator  ActuatorConfig  `mapstructure:"actuator" yaml:"actuator"`
	Jobs      JobsConfig      `mapstructure:"jobs" yaml:"jobs"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	MQTT      MQTTConfig      `mapstructure:"mqtt" yaml:"mqtt"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Inhibitor InhibitorConfig `mapstructure:"inhibitor" yaml:"inhibitor"`
	Log       log.Options     `mapstructure:"log" yaml:"log"`
}

type DeviceConfig struct {
	Path         string `mapstructure:"path" yaml:"path"`
	Ctrl         string `mapstructure:"ctrl" yaml:"ctrl"`
	EndpointName string `mapstructure:"endpoint-name" yaml:"endpoint-name"`
	EndpointNum  uint32 `mapstructure:"endpoint-num" yaml:"endpoint-num"`
}

type ActuatorConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Service   string `mapstructure:"service" yaml:"service"`
	Verb      string `mapstructure:"verb" yaml:"verb"`
	GPIOChip  string `mapstructure:"gpio-chip" yaml:"gpio-chip"`
	GPIOLine  int    `mapstructure:"gpio-line" yaml:"gpio-line"`
	ActiveLow bool   `mapstructure:"active-low" yaml:"active-low"`
}

type JobsConfig struct {
	Delay    time.Duration `mapstructure:"delay" yaml:"delay"`
	Watchdog time.Duration `mapstructure:"watchdog" yaml:"watchdog"`
}

type RedisConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type MQTTConfig struct {
	Broker    string `mapstructure:"broker" yaml:"broker"`
	ClientID  string `mapstructure:"client-id" yaml:"client-id"`
	TopicRoot string `mapstructure:"topic-root" yaml:"topic-root"`
	Username  string `mapstructure:"username" yaml:"username"`
	Password  string `mapstructure:"password" yaml:"-"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type InhibitorConfig struct {
	// Socket of the power manager's suspend inhibitor; empty disables.
	Socket string `mapstructure:"socket" yaml:"socket"`
}

func New() *Config {
	return &Config{
		UID: "evse",
		API: "evse",
		Device: DeviceConfig{
			Path:         "/dev/rpmsg0",
			Ctrl:         "/dev/rpmsg_ctrl0",
			EndpointName: "tux-evse-rmsg",
			EndpointNum:  14,
		},
		Heartbeat: 1000 * time.Millisecond,
		Actuator: ActuatorConfig{
			Backend:  BackendDBus,
			GPIOChip: "gpiochip0",
		},
		Jobs: JobsConfig{
			Delay:    50 * time.Millisecond,
			Watchdog: 250 * time.Millisecond,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		MQTT: MQTTConfig{
			TopicRoot: "evse",
		},
		Log: *log.NewOptions(),
	}
}

func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.UID, "uid", c.UID, "Charger identifier used in notifications")
	fs.StringVar(&c.API, "api", c.API, "Prefix of the Redis request lists and status hash")

	fs.StringVar(&c.Device.Path, "device.path", c.Device.Path, "rpmsg endpoint character device")
	fs.StringVar(&c.Device.Ctrl, "device.ctrl", c.Device.Ctrl,
		"rpmsg control device used to create the endpoint (empty to skip)")
	fs.StringVar(&c.Device.EndpointName, "device.endpoint-name", c.Device.EndpointName, "rpmsg endpoint name")
	fs.Uint32Var(&c.Device.EndpointNum, "device.endpoint-num", c.Device.EndpointNum, "rpmsg endpoint number")

	fs.DurationVar(&c.Heartbeat, "heartbeat", c.Heartbeat, "Heartbeat interval towards the firmware (0 disables)")

	fs.StringVar(&c.Actuator.Backend, "actuator.backend", c.Actuator.Backend,
		"Connector lock backend (dbus, redis, gpio, dry-run)")
	fs.StringVar(&c.Actuator.Service, "actuator.service", c.Actuator.Service, "Lock service name")
	fs.StringVar(&c.Actuator.Verb, "actuator.verb", c.Actuator.Verb, "Lock service verb")
	fs.StringVar(&c.Actuator.GPIOChip, "actuator.gpio-chip", c.Actuator.GPIOChip, "GPIO chip of the lock line")
	fs.IntVar(&c.Actuator.GPIOLine, "actuator.gpio-line", c.Actuator.GPIOLine, "GPIO line offset of the lock")
	fs.BoolVar(&c.Actuator.ActiveLow, "actuator.active-low", c.Actuator.ActiveLow, "Lock GPIO is active low")

	fs.DurationVar(&c.Jobs.Delay, "jobs.delay", c.Jobs.Delay, "Delay before an actuator call-out runs")
	fs.DurationVar(&c.Jobs.Watchdog, "jobs.watchdog", c.Jobs.Watchdog, "Time budget of an actuator call-out")

	fs.StringVar(&c.Redis.Host, "redis.host", c.Redis.Host, "Redis host")
	fs.IntVar(&c.Redis.Port, "redis.port", c.Redis.Port, "Redis port")

	fs.StringVar(&c.MQTT.Broker, "mqtt.broker", c.MQTT.Broker, "MQTT broker URL for notifications (empty disables)")
	fs.StringVar(&c.MQTT.ClientID, "mqtt.client-id", c.MQTT.ClientID, "MQTT client id (defaults to uid)")
	fs.StringVar(&c.MQTT.TopicRoot, "mqtt.topic-root", c.MQTT.TopicRoot, "MQTT topic root")
	fs.StringVar(&c.MQTT.Username, "mqtt.username", c.MQTT.Username, "MQTT username")
	fs.StringVar(&c.MQTT.Password, "mqtt.password", c.MQTT.Password, "MQTT password")

	fs.StringVar(&c.HTTP.Addr, "http.addr", c.HTTP.Addr, "HTTP listen address for status, verbs and metrics (empty disables)")

	fs.StringVar(&c.Inhibitor.Socket, "inhibitor.socket", c.Inhibitor.Socket,
		"Hold a suspend inhibitor on this socket while a vehicle is plugged in (empty disables)")

	c.Log.AddFlags(fs)
}

// Load merges the config file, EVSE_* environment variables and flags
// bound to v into c.
func (c *Config) Load(v *viper.Viper, file string) error {
	v.SetEnvPrefix("EVSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

func (c *Config) Validate() []error {
	var errs []error

	if c.Device.Path == "" {
		errs = append(errs, errors.New("device.path is required"))
	}
	if len(c.Device.EndpointName) >= 32 {
		errs = append(errs, fmt.Errorf("device.endpoint-name %q longer than 31 bytes", c.Device.EndpointName))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, errors.New("heartbeat must not be negative"))
	}

	switch c.Actuator.Backend {
	case BackendDBus, BackendRedis:
		if c.Actuator.Service == "" || c.Actuator.Verb == "" {
			errs = append(errs, fmt.Errorf("actuator.service and actuator.verb are required for the %s backend", c.Actuator.Backend))
		}
	case BackendGPIO:
		if c.Actuator.GPIOLine < 0 {
			errs = append(errs, errors.New("actuator.gpio-line must not be negative"))
		}
	case BackendDryRun:
	default:
		errs = append(errs, fmt.Errorf("unknown actuator.backend %q", c.Actuator.Backend))
	}

	if c.Jobs.Watchdog <= 0 {
		errs = append(errs, errors.New("jobs.watchdog must be positive"))
	}
	if c.Jobs.Delay < 0 {
		errs = append(errs, errors.New("jobs.delay must not be negative"))
	}

	return append(errs, c.Log.Validate()...)
}

// StatusKey is the Redis hash and channel the status is published on.
func (c *Config) StatusKey() string {
	return c.API
}

// RequestList returns the Redis list the given verb is read from.
func (c *Config) RequestList(verb string) string {
	return c.API + ":" + verb
}

// MQTTTopic is where notifications are published.
func (c *Config) MQTTTopic() string {
	return fmt.Sprintf("%s/%s/events", c.MQTT.TopicRoot, c.UID)
}
