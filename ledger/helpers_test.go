package ledger_test

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 12, 0, 0, 0, time.UTC)
}

func money(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func entry(id string, wallet ledger.WalletID, kind ledger.Kind, amount string, at time.Time) ledger.Entry {
	return ledger.Entry{
		ID:         ledger.EntryID(id),
		WalletID:   wallet,
		Kind:       kind,
		Amount:     money(amount),
		OccurredAt: at,
		Status:     ledger.StatusPaid,
	}
}

func transfer(id string, wallet ledger.WalletID, amount string, at time.Time, ref *ledger.TransferRef) ledger.Entry {
	e := entry(id, wallet, ledger.KindTransfer, amount, at)
	e.Meta.Transfer = ref
	e.Meta.UnlinkedTransfer = !ref.HasCounterpart()
	return e
}

func wallets(names map[ledger.WalletID]string) []ledger.Wallet {
	var out []ledger.Wallet
	for id, name := range names {
		out = append(out, ledger.Wallet{ID: id, UserID: "user-1", Name: name})
	}
	return out
}

func replayOne(walletID ledger.WalletID, entries []ledger.Entry) (ledger.ReplayResult, error) {
	res := ledger.NewTransferResolver().Resolve(entries, nil)
	var own []ledger.Entry
	for _, e := range entries {
		if e.WalletID == walletID {
			own = append(own, e)
		}
	}
	return ledger.Replay(ledger.ReplayInput{WalletID: walletID, Entries: own, Resolution: res})
}
