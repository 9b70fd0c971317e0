// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package scheduler

import (
	"github.com/joeycumines/logiface"
)

// loopOptions holds configuration for [NewLoop].
type loopOptions struct {
	logger        *logiface.Logger[logiface.Event]
	idleCallbacks bool
}

// schedulerOptions holds configuration for [New].
type schedulerOptions struct {
	logger            *logiface.Logger[logiface.Event]
	controllerOptions TaskControllerOptions
}

// LoopOption configures a [Loop] instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// SchedulerOption configures a [Scheduler] instance.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (o *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return o.applyLoopFunc(opts)
}

// schedulerOptionImpl implements SchedulerOption.
type schedulerOptionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// LoggerOption carries a structured logger; it applies to both [NewLoop] and
// [New].
type LoggerOption struct {
	logger *logiface.Logger[logiface.Event]
}

func (o LoggerOption) applyLoop(opts *loopOptions) error {
	opts.logger = o.logger
	return nil
}

func (o LoggerOption) applyScheduler(opts *schedulerOptions) error {
	opts.logger = o.logger
	return nil
}

// WithLogger configures structured logging via logiface. A nil logger (the
// default) disables logging; logiface treats nil loggers as no-ops, so no
// guard is required at call sites.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoggerOption {
	return LoggerOption{logger: logger}
}

// WithIdleCallbacks controls whether the loop advertises the idle-callback
// primitive (default true). Disabling it forces consumers onto their
// fallback wakeup paths, which is chiefly useful in tests.
func WithIdleCallbacks(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.idleCallbacks = enabled
		return nil
	}}
}

// WithDefaultControllerOptions sets the scheduler's initial default
// controller options, used when constructing a [PrioritizedPromise] without
// an explicit controller. The packaged default is
// {Priority: [PriorityBackground]}.
func WithDefaultControllerOptions(options TaskControllerOptions) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if options.Priority != "" {
			if err := checkPriority(options.Priority); err != nil {
				return err
			}
		}
		opts.controllerOptions = options
		return nil
	}}
}

// resolveLoopOptions applies LoopOption values over the defaults.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		idleCallbacks: true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// resolveSchedulerOptions applies SchedulerOption values over the defaults.
func resolveSchedulerOptions(opts []SchedulerOption) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		controllerOptions: TaskControllerOptions{Priority: PriorityBackground},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
