package telegram

import (
	"sync"
	"time"
)

// UserState is where a user is in a multi-step conversation
type UserState struct {
	State   string
	Data    map[string]string
	Updated time.Time
}

// StateManager keeps conversation state per Telegram user in memory.
// States older than the TTL are treated as gone.
type StateManager struct {
	mu     sync.Mutex
	states map[int64]*UserState
	ttl    time.Duration
	now    func() time.Time
}

func NewStateManager(ttl time.Duration) *StateManager {
	return &StateManager{
		states: make(map[int64]*UserState),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (sm *StateManager) Set(userID int64, state string, data map[string]string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if data == nil {
		data = make(map[string]string)
	}
	sm.states[userID] = &UserState{State: state, Data: data, Updated: sm.now()}
}

func (sm *StateManager) Get(userID int64) *UserState {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st, ok := sm.states[userID]
	if !ok {
		return nil
	}
	if sm.ttl > 0 && sm.now().Sub(st.Updated) > sm.ttl {
		delete(sm.states, userID)
		return nil
	}
	return st
}

func (sm *StateManager) Clear(userID int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.states, userID)
}

const (
	StateWaitWithdrawAmount      = "wait_withdraw_amount"
	StateWaitWithdrawDestination = "wait_withdraw_destination"
	StateWaitDisputeReason       = "wait_dispute_reason"
)
