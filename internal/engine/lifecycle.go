package engine

import (
	"fmt"
	"log"
	"sync"
)

// BotState is the coarse lifecycle of one bot process.
type BotState string

const (
	StateInitializing BotState = "initializing"
	StateConnecting   BotState = "connecting"
	StateSyncing      BotState = "syncing_state"
	StateReady        BotState = "ready"
	StateShuttingDown BotState = "shutting_down"
)

var ErrInvalidTransition = fmt.Errorf("invalid lifecycle transition")

// Shutdown is reachable from every state so failures during startup still
// produce an orderly exit.
var lifecycleTransitions = map[BotState][]BotState{
	StateInitializing: {StateConnecting, StateShuttingDown},
	StateConnecting:   {StateSyncing, StateShuttingDown},
	StateSyncing:      {StateReady, StateShuttingDown},
	StateReady:        {StateShuttingDown},
	StateShuttingDown: {},
}

type Lifecycle struct {
	mu    sync.Mutex
	state BotState
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateInitializing}
}

func (l *Lifecycle) State() BotState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) Transition(to BotState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, allowed := range lifecycleTransitions[l.state] {
		if allowed == to {
			log.Printf("level=INFO event=lifecycle_transition from=%q to=%q", l.state, to)
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, to)
}
