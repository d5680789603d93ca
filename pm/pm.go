// Package pm implements activity reference counting, for the power state of
// an engine. The engine is powered on by the first Busy, and may be powered
// off once every activity reference has been released.
package pm

import (
	"fmt"
	"sync"

	"github.com/joeycumines/go-dlaqueue"
	"github.com/joeycumines/logiface"
)

type (
	// Module counts activity references. It implements dlaqueue.Power.
	Module struct {
		logger   *logiface.Logger[logiface.Event]
		powerOn  func() error
		powerOff func()

		mu     sync.Mutex
		refs   int
		cycles int
	}

	// Config models optional configuration, for New.
	Config struct {
		Logger *logiface.Logger[logiface.Event]

		// PowerOn is called by Busy, when there are no activity references.
		// If it fails, Busy fails, and no reference is taken.
		PowerOn func() error

		// PowerOff is called once the last activity reference is released.
		PowerOff func()
	}
)

var _ dlaqueue.Power = (*Module)(nil)

// New initializes a new Module. The config may be nil.
func New(config *Config) *Module {
	x := &Module{}
	if config != nil {
		x.logger = config.Logger
		x.powerOn = config.PowerOn
		x.powerOff = config.PowerOff
	}
	return x
}

// Busy takes an activity reference, calling Config.PowerOn first if there
// were none.
func (x *Module) Busy() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.refs == 0 {
		if x.powerOn != nil {
			if err := x.powerOn(); err != nil {
				x.logger.Err().
					Err(err).
					Log(`power on failed`)
				return fmt.Errorf(`pm: power on: %w`, err)
			}
		}
		x.cycles++
		x.logger.Debug().
			Int(`cycle`, x.cycles).
			Log(`powered on`)
	}
	x.refs++
	return nil
}

// Idle releases one activity reference.
func (x *Module) Idle() {
	x.IdleMult(1)
}

// IdleMult releases n activity references, calling Config.PowerOff once
// none remain. It panics if n exceeds the references held.
func (x *Module) IdleMult(n int) {
	if n <= 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if n > x.refs {
		panic(fmt.Sprintf(`pm: idle of %d exceeds %d activity references`, n, x.refs))
	}
	x.refs -= n
	if x.refs == 0 {
		if x.powerOff != nil {
			x.powerOff()
		}
		x.logger.Debug().
			Int(`cycle`, x.cycles).
			Log(`powered off`)
	}
}

// Refs returns the number of activity references.
func (x *Module) Refs() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.refs
}

// Cycles returns the number of times the engine has been powered on.
func (x *Module) Cycles() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cycles
}
