// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"errors"
	"fmt"

	"github.com/luthuanphong/tbmq/config"
	"github.com/luthuanphong/tbmq/session"
)

// ErrUnknownStrategy is returned for an ack or submit strategy name that is
// not supported.
var ErrUnknownStrategy = errors.New("unknown delivery strategy")

// StrategyFactory creates the strategy pair of a pack for each client class.
type StrategyFactory struct {
	device      config.ClassConfig
	application config.ClassConfig
}

// NewStrategyFactory validates the class configs and returns a factory.
func NewStrategyFactory(device, application config.ClassConfig) (*StrategyFactory, error) {
	for _, cc := range []config.ClassConfig{device, application} {
		if _, err := newAckStrategy(cc); err != nil {
			return nil, err
		}
		if _, err := newSubmitStrategy(cc, nil); err != nil {
			return nil, err
		}
	}
	return &StrategyFactory{device: device, application: application}, nil
}

// New returns fresh strategies for a pack of a client of type t.
func (f *StrategyFactory) New(t session.ClientType, commit CommitFunc) (AckStrategy, SubmitStrategy) {
	cc := f.device
	if t == session.Application {
		cc = f.application
	}

	// Names were validated by NewStrategyFactory.
	ack, _ := newAckStrategy(cc)
	submit, _ := newSubmitStrategy(cc, commit)
	return ack, submit
}

func newAckStrategy(cc config.ClassConfig) (AckStrategy, error) {
	switch cc.AckStrategy {
	case AckSkipAll:
		return SkipAll{}, nil
	case AckRetryAll:
		return NewRetryAll(cc.MaxRetries), nil
	case AckRetryFailedOnly:
		return NewRetryFailedOnly(cc.MaxRetries), nil
	default:
		return nil, fmt.Errorf("%w: ack strategy %q", ErrUnknownStrategy, cc.AckStrategy)
	}
}

func newSubmitStrategy(cc config.ClassConfig, commit CommitFunc) (SubmitStrategy, error) {
	switch cc.SubmitStrategy {
	case SubmitBurst:
		return NewBurst(commit), nil
	case SubmitSequential:
		return NewSequential(commit), nil
	default:
		return nil, fmt.Errorf("%w: submit strategy %q", ErrUnknownStrategy, cc.SubmitStrategy)
	}
}
