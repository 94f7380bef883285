package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SupervisorConfig holds configuration for the supervisor
type SupervisorConfig struct {
	// MaxRetries is the maximum number of restart attempts
	MaxRetries int
	// RetryDelay is the delay between restart attempts
	RetryDelay time.Duration
	// HealthCheckInterval is how often to check agent health
	HealthCheckInterval time.Duration
	// StopTimeout bounds the teardown of a failed agent before restart
	StopTimeout time.Duration

	Logger *zap.Logger
}

// DefaultSupervisorConfig returns default supervisor configuration
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRetries:          3,
		RetryDelay:          5 * time.Second,
		HealthCheckInterval: 10 * time.Second,
		StopTimeout:         5 * time.Second,
	}
}

// Supervisor manages an agent's lifecycle with restart capabilities
type Supervisor struct {
	mu     sync.RWMutex
	agent  *Agent
	config SupervisorConfig
	log    *zap.Logger

	// Lifecycle management
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	running    bool
	retryCount int
}

// NewSupervisor creates a new supervisor for the given agent
func NewSupervisor(agent *Agent) *Supervisor {
	return NewSupervisorWithConfig(agent, DefaultSupervisorConfig())
}

// NewSupervisorWithConfig creates a new supervisor with custom configuration
func NewSupervisorWithConfig(agent *Agent, config SupervisorConfig) *Supervisor {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		agent:  agent,
		config: config,
		log:    logger.Named("supervisor"),
	}
}

// Start starts the agent and the health check loop
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("supervisor is already running")
	}

	if err := s.agent.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.running = true
	s.retryCount = 0

	go s.supervise()

	return nil
}

// Stop stops the supervisor and the managed agent
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is not running")
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	// Wait for an in-flight restart before tearing the agent down
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for supervisor to stop")
	}

	if s.agent.State() == StateStopped {
		return nil
	}
	if err := s.agent.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop agent: %w", err)
	}
	return nil
}

// IsRunning returns whether the supervisor is running
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RetryCount returns the current retry count
func (s *Supervisor) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

// supervise is the main supervisor loop
func (s *Supervisor) supervise() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAgentHealth()
		}
	}
}

// checkAgentHealth restarts the agent if it failed or stopped on its own
func (s *Supervisor) checkAgentHealth() {
	state := s.agent.State()
	if state != StateError && state != StateStopped {
		return
	}

	s.mu.Lock()
	if s.retryCount >= s.config.MaxRetries {
		s.mu.Unlock()
		s.log.Error("maximum restarts exceeded, giving up", zap.Int("max_retries", s.config.MaxRetries))
		return
	}
	s.retryCount++
	attempt := s.retryCount
	s.mu.Unlock()

	s.log.Warn("agent unhealthy, restarting",
		zap.Stringer("state", state),
		zap.Int("attempt", attempt),
		zap.Int("max_retries", s.config.MaxRetries))

	if state == StateError {
		ctx, cancel := context.WithTimeout(s.ctx, s.config.StopTimeout)
		if err := s.agent.Stop(ctx); err != nil {
			s.log.Debug("teardown of failed agent", zap.Error(err))
		}
		cancel()
	}

	select {
	case <-s.ctx.Done():
		return
	case <-time.After(s.config.RetryDelay):
	}

	if err := s.agent.Start(s.ctx); err != nil {
		s.log.Error("failed to restart agent", zap.Error(err))
		return
	}
	s.log.Info("agent restarted")

	s.mu.Lock()
	s.retryCount = 0
	s.mu.Unlock()
}
