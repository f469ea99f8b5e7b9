package ledger_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// ENTRY CONSTRUCTION
// =============================================================================

func TestNewEntry_Validation(t *testing.T) {
	tests := []struct {
		name    string
		in      ledger.EntryInput
		wantErr error
	}{
		{"zero amount", ledger.EntryInput{WalletID: "w1", Kind: ledger.KindExpense, Amount: decimal.Zero}, ledger.ErrInvalidAmount},
		{"negative amount", ledger.EntryInput{WalletID: "w1", Kind: ledger.KindExpense, Amount: money("-1")}, ledger.ErrInvalidAmount},
		{"unknown kind", ledger.EntryInput{WalletID: "w1", Kind: "refund", Amount: money("1")}, ledger.ErrUnknownEntryKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.NewEntry(tt.in)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.True(t, ledger.IsClientError(err))
		})
	}
}

func TestNewEntry_Defaults(t *testing.T) {
	e, err := ledger.NewEntry(ledger.EntryInput{
		WalletID: "w1",
		Kind:     ledger.KindIncome,
		Amount:   money("10.50"),
		Name:     "  Venda  ",
		Meta:     ledger.Provenance{Transfer: &ledger.TransferRef{CounterpartWalletID: "w2"}},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, ledger.StatusPaid, e.Status)
	assert.False(t, e.OccurredAt.IsZero())
	assert.Equal(t, "Venda", e.Name)
	assert.Nil(t, e.Meta.Transfer, "non-transfers drop transfer metadata")
}

func TestNewEntry_TransferLinkFlag(t *testing.T) {
	// GIVEN: One transfer without counterpart, one with a counterpart wallet
	// WHEN: Building both
	// THEN: Only the first is flagged unlinked

	loose, err := ledger.NewEntry(ledger.EntryInput{WalletID: "w1", Kind: ledger.KindTransfer, Amount: money("5")})
	require.NoError(t, err)
	linked, err := ledger.NewEntry(ledger.EntryInput{
		WalletID: "w1", Kind: ledger.KindTransfer, Amount: money("5"),
		Meta: ledger.Provenance{Transfer: &ledger.TransferRef{CounterpartWalletID: "w2"}},
	})
	require.NoError(t, err)

	assert.True(t, loose.Meta.UnlinkedTransfer)
	assert.False(t, linked.Meta.UnlinkedTransfer)
}

func TestParseKind(t *testing.T) {
	k, err := ledger.ParseKind("DEPOSIT")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindDeposit, k)

	_, err = ledger.ParseKind("TRANSFERENCIA")
	assert.True(t, errors.Is(err, ledger.ErrUnknownEntryKind))
}

func TestSortEntries_CanonicalOrder(t *testing.T) {
	a := entry("b", "w1", ledger.KindIncome, "1", day(1))
	a.Sequence = 2
	b := entry("a", "w1", ledger.KindIncome, "1", day(1))
	b.Sequence = 2
	c := entry("z", "w1", ledger.KindIncome, "1", day(1))
	c.Sequence = 1
	d := entry("0", "w1", ledger.KindIncome, "1", day(2))

	sorted := ledger.SortEntries([]ledger.Entry{d, a, b, c})

	var ids []ledger.EntryID
	for _, e := range sorted {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []ledger.EntryID{"z", "a", "b", "0"}, ids)
}

func TestWalletFloor(t *testing.T) {
	assert.Nil(t, ledger.Wallet{AllowNegative: true}.Floor())
	floor := ledger.Wallet{CreditLimit: money("500")}.Floor()
	require.NotNil(t, floor)
	assert.True(t, floor.Equal(money("-500")))
}

// =============================================================================
// TEXT FOLDING
// =============================================================================

func TestFold(t *testing.T) {
	assert.Equal(t, "transferencia pix", ledger.Fold("Transferência - PIX"))
	assert.Equal(t, "banco do brasil", ledger.Fold("  Banco   do Brasil! "))

	word, ok := ledger.ContainsAny("Receita de Aplicação", []string{"aplicação"})
	assert.True(t, ok)
	assert.Equal(t, "aplicação", word)

	_, ok = ledger.ContainsAny("depixelado", []string{"pix"})
	assert.False(t, ok, "matches whole words only")
}

// =============================================================================
// KEYED MUTEX
// =============================================================================

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	km := ledger.NewKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("w1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)

	unlock := km.LockAll("b", "a", "b")
	unlock()
}
