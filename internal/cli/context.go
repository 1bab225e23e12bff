package cli

import (
	"errors"
	"sync"

	"taintbox/internal/audit"
	"taintbox/internal/config"
	"taintbox/internal/storage"

	"github.com/rs/zerolog"
)

// CLIContext carries the loaded configuration and lazily opened resources
// through one command invocation.
type CLIContext struct {
	Config      *config.Config
	ConfigPath  string
	Logger      *zerolog.Logger
	StoragePath string

	storageOnce sync.Once
	storage     *storage.DB
	storageErr  error

	recorderOnce sync.Once
	recorder     audit.Recorder
	recorderErr  error
}

// NewCLIContext creates a CLI context.
func NewCLIContext(cfg *config.Config, configPath string, log *zerolog.Logger, storagePath string) *CLIContext {
	return &CLIContext{
		Config:      cfg,
		ConfigPath:  configPath,
		Logger:      log,
		StoragePath: storagePath,
	}
}

// GetStorage opens the database on first use.
func (c *CLIContext) GetStorage() (*storage.DB, error) {
	c.storageOnce.Do(func() {
		c.storage, c.storageErr = storage.Open(c.StoragePath)
	})
	return c.storage, c.storageErr
}

// Recorder returns the audit recorder selected by the configuration.
func (c *CLIContext) Recorder() (audit.Recorder, error) {
	c.recorderOnce.Do(func() {
		cfg := c.Config.Audit
		var db *storage.DB
		if cfg.Enabled && cfg.Sink != config.SinkLog {
			db, c.recorderErr = c.GetStorage()
			if c.recorderErr != nil {
				return
			}
		}
		c.recorder, c.recorderErr = audit.New(cfg, db, c.Log())
	})
	return c.recorder, c.recorderErr
}

// Close flushes the recorder and closes the database.
func (c *CLIContext) Close() error {
	var errs []error
	if c.recorder != nil {
		errs = append(errs, c.recorder.Close())
	}
	if c.storage != nil {
		errs = append(errs, c.storage.Close())
	}
	return errors.Join(errs...)
}

// Log returns the command's logger.
func (c *CLIContext) Log() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return zerolog.Nop()
}
