package actuator

import (
	"context"
	"fmt"

	"github.com/librescoot/evse-service/internal/log"
	"github.com/warthog618/go-gpiocdev"
)

// GPIOCaller drives the connector lock solenoid directly.
type GPIOCaller struct {
	chip      *gpiocdev.Chip
	line      *gpiocdev.Line
	offset    int
	activeLow bool
	logger    *log.Logger
}

func NewGPIOCaller(chipName string, offset int, activeLow bool, logger *log.Logger) (*GPIOCaller, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", chipName, err)
	}

	// released state until the first call-out
	line, err := chip.RequestLine(offset, gpiocdev.AsOutput(lineValue(false, activeLow)))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("failed to request lock GPIO %s:%d: %w", chipName, offset, err)
	}

	logger.Infof("Initialized lock GPIO line %s:%d (active-low=%v)", chipName, offset, activeLow)

	return &GPIOCaller{
		chip:      chip,
		line:      line,
		offset:    offset,
		activeLow: activeLow,
		logger:    logger,
	}, nil
}

func (g *GPIOCaller) Call(ctx context.Context, action Action) error {
	value := lineValue(action == Lock, g.activeLow)
	if err := g.line.SetValue(value); err != nil {
		return callOutError(fmt.Sprintf("gpio %d", g.offset), action, err)
	}
	g.logger.Infof("Set lock GPIO %d to %d (%s)", g.offset, value, action.Name())
	return nil
}

func (g *GPIOCaller) Close() error {
	var lastErr error
	if err := g.line.Close(); err != nil {
		g.logger.Warnf("Failed to close lock GPIO line: %v", err)
		lastErr = err
	}
	if err := g.chip.Close(); err != nil {
		g.logger.Warnf("Failed to close GPIO chip: %v", err)
		lastErr = err
	}
	return lastErr
}

func lineValue(locked, activeLow bool) int {
	if locked != activeLow {
		return 1
	}
	return 0
}
