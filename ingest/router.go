package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/wallet-ledger/ledger"
)

// WalletRouter chooses the wallet that receives a user's external records:
// the integration wallet stored for the source, else the configured default.
type WalletRouter struct {
	store         ledger.IntegrationStore
	source        string
	defaultWallet ledger.WalletID
}

func NewWalletRouter(store ledger.IntegrationStore, source string, defaultWallet ledger.WalletID) *WalletRouter {
	return &WalletRouter{store: store, source: source, defaultWallet: defaultWallet}
}

func (r *WalletRouter) Route(ctx context.Context, userID ledger.UserID) (ledger.WalletID, error) {
	id, err := r.store.GetIntegrationWallet(ctx, userID, r.source)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, ledger.ErrWalletNotFound):
		return "", fmt.Errorf("failed to look up integration wallet: %w", err)
	case r.defaultWallet != "":
		return r.defaultWallet, nil
	}
	return "", fmt.Errorf("no %s wallet configured for user %s: %w", r.source, userID, ledger.ErrWalletNotFound)
}
