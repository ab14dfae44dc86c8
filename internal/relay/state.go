package relay

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-icp/internal/storage"
)

var stateKey = []byte("relay/state")

// State is the relay progress persisted across restarts.
type State struct {
	SendPointer uint64 `json:"send_pointer"` // last local block pushed to peers
	Relayed     uint64 `json:"relayed"`      // last remote block irreversibly relayed
}

type stateStore struct {
	db storage.DB
}

func (s *stateStore) load() (State, error) {
	var st State
	if err := storage.GetJSON(s.db, stateKey, &st); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("load relay state: %w", err)
	}
	return st, nil
}

func (s *stateStore) save(st State) error {
	if err := storage.PutJSON(s.db, stateKey, st); err != nil {
		return fmt.Errorf("save relay state: %w", err)
	}
	return nil
}
