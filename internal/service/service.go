// Package service wires the engine to its channel, actuator and the Redis,
// MQTT and HTTP surfaces.
package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/librescoot/evse-service/internal/actuator"
	"github.com/librescoot/evse-service/internal/api"
	"github.com/librescoot/evse-service/internal/config"
	"github.com/librescoot/evse-service/internal/engine"
	"github.com/librescoot/evse-service/internal/inhibitor"
	"github.com/librescoot/evse-service/internal/log"
	"github.com/librescoot/evse-service/internal/notify"
	"github.com/librescoot/evse-service/internal/transport"
	"github.com/redis/go-redis/v9"
	redis_ipc "github.com/rescoot/redis-ipc"
	"golang.org/x/sync/errgroup"
)

// Notification delivery budget per subscriber.
const notifyTimeout = 2 * time.Second

type Service struct {
	config *config.Config
	logger *log.Logger

	ipc   *redis_ipc.Client
	redis *redis.Client

	channel  *transport.FdChannel
	caller   actuator.Caller
	notifier *notify.Notifier
	engine   *engine.Engine
	mqtt     *notify.MQTT
	http     *api.Server

	closers []io.Closer
}

func New(cfg *config.Config, logger *log.Logger) (*Service, error) {
	s := &Service{
		config: cfg,
		logger: logger,
	}

	ipc, err := redis_ipc.New(redis_ipc.Config{
		Address:       cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		RetryInterval: 5 * time.Second,
		MaxRetries:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}
	s.ipc = ipc
	s.closers = append(s.closers, ipc)

	s.redis = redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr(),
		DB:   0,
	})
	s.closers = append(s.closers, s.redis)

	caller, err := s.newCaller()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.caller = caller

	s.notifier = notify.New(logger.Named("notify"), notifyTimeout)
	s.notifier.Subscribe(notify.NewRedisStatus(s.redis, cfg.StatusKey()))

	if cfg.MQTT.Broker != "" {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = cfg.UID
		}
		mqtt, err := notify.NewMQTT(notify.MQTTConfig{
			BrokerURL: cfg.MQTT.Broker,
			ClientID:  clientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Topic:     cfg.MQTTTopic(),
		}, logger.Named("mqtt"))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.mqtt = mqtt
		s.notifier.Subscribe(mqtt)
	}

	if cfg.Inhibitor.Socket != "" {
		inh := inhibitor.NewClient(cfg.Inhibitor.Socket, logger.Named("inhibitor"))
		s.notifier.Subscribe(inh)
		s.closers = append(s.closers, inh)
	}

	channel, err := transport.Open(transport.Options{
		Device:       cfg.Device.Path,
		CtrlDevice:   cfg.Device.Ctrl,
		EndpointName: cfg.Device.EndpointName,
		EndpointNum:  cfg.Device.EndpointNum,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open firmware channel: %w", err)
	}
	s.channel = channel
	s.closers = append(s.closers, channel)

	eng, err := engine.New(engine.Config{
		Heartbeat:   cfg.Heartbeat,
		JobDelay:    cfg.Jobs.Delay,
		JobWatchdog: cfg.Jobs.Watchdog,
	}, channel, caller, s.notifier, logger.Named("engine"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.engine = eng

	if cfg.HTTP.Addr != "" {
		s.http = api.NewServer(cfg.HTTP.Addr, eng, logger.Named("http"))
	}

	return s, nil
}

func (s *Service) newCaller() (actuator.Caller, error) {
	a := s.config.Actuator
	logger := s.logger.Named("actuator")

	switch a.Backend {
	case config.BackendDBus:
		c, err := actuator.NewDBusCaller(a.Service, a.Verb, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, c)
		return c, nil
	case config.BackendRedis:
		return actuator.NewRedisCaller(s.ipc, a.Service, a.Verb), nil
	case config.BackendGPIO:
		c, err := actuator.NewGPIOCaller(a.GPIOChip, a.GPIOLine, a.ActiveLow, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, c)
		return c, nil
	case config.BackendDryRun:
		return actuator.NewDryRun(logger), nil
	}
	return nil, fmt.Errorf("unknown actuator backend %q", a.Backend)
}

// Run serves until ctx is done or the engine loses its channel.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for suffix, handler := range s.requestHandlers(ctx, s.engine) {
		list := s.config.RequestList(suffix)
		s.ipc.HandleRequests(list, s.logged(list, handler))
	}

	g.Go(func() error {
		return s.engine.Run(ctx)
	})

	if s.mqtt != nil {
		g.Go(func() error {
			if err := s.mqtt.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			disconnectCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			s.mqtt.Disconnect(disconnectCtx)
			return nil
		})
	}

	if s.http != nil {
		g.Go(func() error {
			return s.http.Start(ctx)
		})
	}

	s.logger.Infof("EVSE service running on %s (uid %s, actuator %s)",
		s.config.Device.Path, s.config.UID, s.config.Actuator.Backend)

	err := g.Wait()
	s.Close()
	return err
}

// Close releases every resource in reverse order of acquisition.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warnf("Failed to close: %v", err)
		}
	}
	s.closers = nil
}
