package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/outofforest/netcode/host"
)

const (
	flagBackend  = "backend"
	flagAddress  = "address"
	flagPort     = "port"
	flagLogLevel = "log-level"
)

func commonFlags(logLevel string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagBackend,
			Usage:   "Transport backend: kcp, tcp or ws",
			EnvVars: []string{"NETCODE_BACKEND"},
			Value:   "kcp",
		},
		&cli.UintFlag{
			Name:    flagPort,
			Usage:   "Port of the server",
			EnvVars: []string{"NETCODE_PORT"},
			Value:   7777,
		},
		&cli.StringFlag{
			Name:    flagLogLevel,
			Usage:   "Verbosity of log, valid values are: debug, info, warn, error",
			EnvVars: []string{"NETCODE_LOG_LEVEL"},
			Value:   logLevel,
		},
	}
}

func backend(name string) (host.Backend, error) {
	switch strings.ToLower(name) {
	case "kcp":
		return host.KCP{}, nil
	case "tcp":
		return host.TCP{}, nil
	case "ws":
		return host.WebSocket{}, nil
	default:
		return nil, errors.Errorf("unknown backend %q", name)
	}
}

func port(c *cli.Context) (uint16, error) {
	p := c.Uint(flagPort)
	if p == 0 || p > 65535 {
		return 0, errors.Errorf("invalid port %d", p)
	}
	return uint16(p), nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.DisableStacktrace = true
	log, err := config.Build()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return log, nil
}
