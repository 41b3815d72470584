package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/librescoot/evse-service/internal/engine"
	"github.com/librescoot/evse-service/internal/notify"
)

// Verbs is the engine surface driven from the Redis request lists.
type Verbs interface {
	SetPwm(ctx context.Context, action string, duty float64) error
	SetPower(ctx context.Context, allow bool) error
	SetImax(ctx context.Context, imax int) error
	SetSlac(ctx context.Context, status string) error
	Enable(ctx context.Context, on bool) error
	Subscribe(sub notify.Subscriber, on bool) bool
}

func invalidPayload(list, payload string) error {
	return fmt.Errorf("%w: %s payload %q", engine.ErrInvalidArgument, list, payload)
}

// parsePwm accepts on[:duty], off and fail. A missing duty is 0.
func parsePwm(payload string) (string, float64, error) {
	action, dutyText, hasDuty := strings.Cut(strings.TrimSpace(payload), ":")
	if !hasDuty {
		return action, 0, nil
	}
	duty, err := strconv.ParseFloat(dutyText, 64)
	if err != nil {
		return "", 0, invalidPayload("pwm", payload)
	}
	return action, duty, nil
}

func parseOnOff(list, payload string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, invalidPayload(list, payload)
}

func parseImax(payload string) (int, error) {
	imax, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, invalidPayload("imax", payload)
	}
	return imax, nil
}

// parseSubscription accepts +channel and -channel.
func parseSubscription(payload string) (string, bool, error) {
	payload = strings.TrimSpace(payload)
	if len(payload) < 2 {
		return "", false, invalidPayload("subscribe", payload)
	}
	switch payload[0] {
	case '+':
		return payload[1:], true, nil
	case '-':
		return payload[1:], false, nil
	}
	return "", false, invalidPayload("subscribe", payload)
}

// requestHandlers maps each request list suffix to its handler.
func (s *Service) requestHandlers(ctx context.Context, verbs Verbs) map[string]func([]byte) error {
	return map[string]func([]byte) error{
		"pwm": func(data []byte) error {
			action, duty, err := parsePwm(string(data))
			if err != nil {
				return err
			}
			return verbs.SetPwm(ctx, action, duty)
		},
		"power": func(data []byte) error {
			allow, err := parseOnOff("power", string(data))
			if err != nil {
				return err
			}
			return verbs.SetPower(ctx, allow)
		},
		"imax": func(data []byte) error {
			imax, err := parseImax(string(data))
			if err != nil {
				return err
			}
			return verbs.SetImax(ctx, imax)
		},
		"slac": func(data []byte) error {
			return verbs.SetSlac(ctx, strings.TrimSpace(string(data)))
		},
		"enable": func(data []byte) error {
			on, err := parseOnOff("enable", string(data))
			if err != nil {
				return err
			}
			return verbs.Enable(ctx, on)
		},
		"subscribe": func(data []byte) error {
			channel, on, err := parseSubscription(string(data))
			if err != nil {
				return err
			}
			if verbs.Subscribe(notify.NewRedisChannel(s.redis, channel), on) {
				s.logger.Infof("Notification channel %s subscribed=%t", channel, on)
			}
			return nil
		},
	}
}

// logged wraps a request handler so that failures reach the log; redis-ipc
// has nobody to reply to.
func (s *Service) logged(list string, handler func([]byte) error) func([]byte) error {
	return func(data []byte) error {
		if err := handler(data); err != nil {
			s.logger.Warnf("Request on %s (%q) failed: %v", list, data, err)
			return err
		}
		s.logger.Debugf("Request on %s (%q) done", list, data)
		return nil
	}
}
