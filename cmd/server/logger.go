package main

import (
	"github.com/umemepay/prepaid-billing/internal/config"
	"github.com/umemepay/prepaid-billing/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
