// Package config publishes the per-device JSON configuration on the bus.
// Every top-level key becomes a retained message on config/<key>.
package config

import (
	"context"
	"embed"
	"encoding/json"

	"github.com/edaniels/golog"

	"soniclib-go/bus"
	"soniclib-go/errcode"
)

const (
	serviceName  = "config"
	configPrefix = "config"
)

type ctxKey string

// CtxDeviceKey carries the device ID in the context passed to Start.
const CtxDeviceKey ctxKey = "device"

//go:embed configs/*.json
var embedded embed.FS

// EmbeddedConfigLookup resolves the raw JSON for a device. Tests and
// custom builds may replace it.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, err := embedded.ReadFile("configs/" + device + ".json")
	return b, err == nil
}

// Topic returns the retained topic for a top-level config key.
func Topic(key string) bus.Topic { return bus.T(configPrefix, key) }

type ConfigService struct {
	Name string
	log  golog.Logger
}

func NewConfigService(logger golog.Logger) *ConfigService {
	if logger == nil {
		logger = golog.Global().Named(serviceName)
	}
	return &ConfigService{Name: serviceName, log: logger}
}

func (s *ConfigService) publishConfig(ctx context.Context, conn *bus.Connection) error {
	device, _ := ctx.Value(CtxDeviceKey).(string)
	if device == "" {
		return errcode.New(errcode.InvalidParams, "config", "missing device ID in context")
	}
	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return errcode.New(errcode.InvalidParams, "config", "no embedded config for device "+device)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return errcode.Wrap(errcode.InvalidParams, "config", err)
	}
	for k, v := range m {
		conn.Publish(conn.NewMessage(Topic(k), v, true))
	}
	s.log.Infow("config published", "device", device, "keys", len(m))
	return nil
}

// Start publishes the configuration of the device named in ctx.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if err := s.publishConfig(ctx, conn); err != nil {
			s.log.Errorw("config not published", "error", err)
		}
	}()
}

// Decode converts a config payload (as published, a decoded JSON value)
// into a typed struct.
func Decode(payload any, out any) error {
	if raw, ok := payload.([]byte); ok {
		return errcode.Wrap(errcode.InvalidParams, "config_decode", json.Unmarshal(raw, out))
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return errcode.Wrap(errcode.InvalidParams, "config_decode", err)
	}
	return errcode.Wrap(errcode.InvalidParams, "config_decode", json.Unmarshal(b, out))
}
