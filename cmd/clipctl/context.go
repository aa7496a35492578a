package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/timmy/clipforge/internal/app"
	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/queue"
)

type commandContext struct {
	configFlag *string
	logLevel   *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	engine *app.App
}

func newCommandContext(configFlag, logLevel *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		logLevel:   logLevel,
	}
}

func (c *commandContext) setupLogging(w io.Writer) {
	level := "warn"
	if c.logLevel != nil && strings.TrimSpace(*c.logLevel) != "" {
		level = strings.TrimSpace(*c.logLevel)
	}
	logger.SetDefaultLogger(logger.New(&logger.Config{
		Level:       level,
		Format:      "text",
		Output:      w,
		ServiceName: "clipforge-cli",
	}))
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withEngine builds the engine and passes it to fn. With wait set, tasks
// go to an in-process queue and are worked off here before returning.
func (c *commandContext) withEngine(ctx context.Context, wait bool, fn func(*app.App) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if wait {
		cfg.Queue.Driver = "memory"
	}
	if c.engine == nil {
		engine, err := app.Build(ctx, cfg)
		if err != nil {
			return err
		}
		c.engine = engine
	}
	engine := c.engine

	if !wait {
		return fn(engine)
	}

	mq, ok := engine.Queue.(*queue.MemoryQueue)
	if !ok {
		return fmt.Errorf("--wait needs the in-process queue")
	}
	engine.Services.RegisterHandlers(mq)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mq.Run(runCtx)

	if err := fn(engine); err != nil {
		return err
	}
	if err := mq.WaitIdle(ctx); err != nil {
		return err
	}
	if dead := mq.DeadLetters(); len(dead) > 0 {
		logger.Warn("%d task(s) exhausted their retries", len(dead))
	}
	return nil
}

func (c *commandContext) close() {
	if c != nil && c.engine != nil {
		c.engine.Close()
		c.engine = nil
	}
}
