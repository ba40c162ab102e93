package escrow

import (
	"fmt"

	"github.com/suspectuso/ton-escrow/internal/storage"
)

// transitions is the deal lifecycle graph. completed and cancelled are terminal.
var transitions = map[storage.TxStatus][]storage.TxStatus{
	storage.TxPendingPayment:  {storage.TxPaymentReceived, storage.TxCancelled},
	storage.TxPaymentReceived: {storage.TxItemSent, storage.TxDisputed},
	storage.TxItemSent:        {storage.TxCompleted, storage.TxDisputed},
	storage.TxDisputed:        {storage.TxCompleted, storage.TxCancelled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to storage.TxStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the status.
func IsTerminal(s storage.TxStatus) bool {
	return len(transitions[s]) == 0
}

type Resolution string

const (
	FavorBuyer  Resolution = "favor_buyer"
	FavorSeller Resolution = "favor_seller"
)

func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case FavorBuyer, FavorSeller:
		return r, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}
