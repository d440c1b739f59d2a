package engine

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper runs the engine's periodic jobs on cron schedules: window
// ticks, session reaping, reminder firing and collector health checks
type Sweeper struct {
	logger *zap.Logger
	cron   *cron.Cron
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewSweeper creates a sweeper with no jobs registered
func NewSweeper(logger *zap.Logger) *Sweeper {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger)),
	}

	return &Sweeper{
		logger: logger.Named("sweeper"),
		cron:   cron.New(cronOptions...),
	}
}

// Add registers a named job on a cron expression (with seconds field)
func (s *Sweeper) Add(name, expression string, job func()) error {
	if _, err := s.cron.AddFunc(expression, job); err != nil {
		return fmt.Errorf("failed to add sweep job %s: %w", name, err)
	}
	s.logger.Info("Registered sweep job",
		zap.String("name", name),
		zap.String("expression", expression))
	return nil
}

// Start begins running registered jobs
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
