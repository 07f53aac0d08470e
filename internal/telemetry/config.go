package telemetry

import (
	"net"

	"codeberg.org/mutker/thermalctl/internal/errors"
)

const defaultListen = "127.0.0.1:9465"

type Config struct {
	Enabled bool
	Listen  string
}

func DefaultConfig() Config {
	return Config{
		Listen: defaultListen,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return errors.New().Wrap(ErrInvalidListen, err).WithMessage(c.Listen)
	}
	return nil
}
