package app

import (
	"errors"
	"fmt"
)

var ErrInvalidState = errors.New("invalid state transition")

// State is the runtime lifecycle phase.
//
//	Created -> Configuring -> Running -> Draining -> Stopped
//
// Created and Configuring may also go straight to Stopped (boot aborted).
type State string

const (
	StateCreated     State = "created"
	StateConfiguring State = "configuring"
	StateRunning     State = "running"
	StateDraining    State = "draining"
	StateStopped     State = "stopped"
)

var transitions = map[State][]State{
	StateCreated:     {StateConfiguring, StateStopped},
	StateConfiguring: {StateRunning, StateStopped},
	StateRunning:     {StateDraining},
	StateDraining:    {StateStopped},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func invalidTransition(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
}
