/*
Package wallet orchestrates balance maintenance on top of a ledger.Store.

PURPOSE:
  The ledger package holds the pure algorithms (replay, transfer
  resolution, diagnostics). This package runs them against persisted data
  and is the only writer of Wallet.Balance.

RECOMPUTE FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  lock wallet ──▶ snapshot (tx) ──▶ resolve ──▶ replay ──▶ write  │
  │                       ▲                                    │     │
  │                       └──────── version moved? retry ◀─────┘     │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

  1. Per-wallet keyed mutex serializes recomputes inside this process
  2. Snapshot: wallet row (with version), every wallet and entry of the
     owning user, read in one transaction
  3. UpdateWalletBalance(id, balance, version) fails with
     ErrPersistenceConflict when another writer got there first; the whole
     replay is re-run, up to MaxAttempts times
  4. A replay failure leaves the stored balance untouched

REPAIR FLOW:
  Diagnose ──▶ PlanCorrections(selection) ──▶ void/insert in one tx
  ──▶ audit ──▶ recompute

ACCOUNT SCOPE:
  Transfer legs pair across every wallet of a user, so a mutation in one
  wallet can flip the role of a leg in another. Record, Void and Repair
  lock all of the user's wallets and recompute each of them.

SEE ALSO:
  - ledger/replay.go: Replay
  - ledger/diagnostics.go: Diagnose
  - ingest/reconciler.go: Calls RecomputeAccount after webhook upserts
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	MaxAttempts int // Optimistic write attempts per recompute; default 3
	Resolver    *ledger.TransferResolver
	Diagnostics ledger.DiagnosticsConfig
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Resolver:    ledger.NewTransferResolver(),
		Diagnostics: ledger.DefaultDiagnosticsConfig(),
	}
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store       ledger.Store
	locks       *ledger.KeyedMutex
	resolver    *ledger.TransferResolver
	diagnostics *ledger.Diagnostics
	maxAttempts int
	notifier    ledger.Notifier
	log         logrus.FieldLogger

	// Now is the clock used for reports and audit entries.
	Now func() time.Time
}

// NewService builds a service. notifier may be nil.
func NewService(store ledger.Store, cfg Config, notifier ledger.Notifier, log logrus.FieldLogger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Resolver == nil {
		cfg.Resolver = ledger.NewTransferResolver()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		store:       store,
		locks:       ledger.NewKeyedMutex(),
		resolver:    cfg.Resolver,
		diagnostics: ledger.NewDiagnostics(cfg.Diagnostics),
		maxAttempts: cfg.MaxAttempts,
		notifier:    notifier,
		log:         log.WithField("component", "wallet"),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// snapshot is a consistent read of one wallet and its account.
type snapshot struct {
	wallet  ledger.Wallet
	wallets []ledger.Wallet
	entries []ledger.Entry // Every wallet of the account
}

func (sn snapshot) own() []ledger.Entry {
	var out []ledger.Entry
	for _, e := range sn.entries {
		if e.WalletID == sn.wallet.ID {
			out = append(out, e)
		}
	}
	return out
}

func readSnapshot(ctx context.Context, store ledger.Store, id ledger.WalletID) (snapshot, error) {
	w, err := store.GetWallet(ctx, id)
	if err != nil {
		return snapshot{}, err
	}
	wallets, err := store.ListWallets(ctx, w.UserID)
	if err != nil {
		return snapshot{}, fmt.Errorf("failed to list wallets: %w", err)
	}
	entries, err := store.ListAccountEntries(ctx, w.UserID)
	if err != nil {
		return snapshot{}, fmt.Errorf("failed to list entries: %w", err)
	}
	return snapshot{wallet: w, wallets: wallets, entries: entries}, nil
}

func (s *Service) loadSnapshot(ctx context.Context, id ledger.WalletID) (snapshot, error) {
	var snap snapshot
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		snap, err = readSnapshot(ctx, tx, id)
		return err
	})
	return snap, err
}

// =============================================================================
// RECOMPUTE
// =============================================================================

type RecomputeResult struct {
	WalletID   ledger.WalletID  `json:"wallet_id"`
	Previous   decimal.Decimal  `json:"previous_balance"`
	Balance    decimal.Decimal  `json:"balance"`
	Changed    bool             `json:"changed"`
	Version    int64            `json:"version"`
	Attempts   int              `json:"attempts"`
	Totals     ledger.Totals    `json:"totals"`
	Unresolved []ledger.EntryID `json:"unresolved_transfers"`
}

// Recompute replays a wallet and writes the result with an optimistic
// version check.
func (s *Service) Recompute(ctx context.Context, id ledger.WalletID) (RecomputeResult, error) {
	unlock := s.locks.Lock(string(id))
	defer unlock()
	return s.recomputeLocked(ctx, id)
}

// RecomputeAll recomputes each distinct wallet once, in id order. Every
// wallet is attempted; failures are joined.
func (s *Service) RecomputeAll(ctx context.Context, ids []ledger.WalletID) ([]RecomputeResult, error) {
	seen := make(map[ledger.WalletID]bool, len(ids))
	var unique []ledger.WalletID
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	var (
		results []RecomputeResult
		errs    []error
	)
	for _, id := range unique {
		r, err := s.Recompute(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("wallet %s: %w", id, err))
			continue
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

// RecomputeAccount recomputes every wallet of a user under one account
// lock.
func (s *Service) RecomputeAccount(ctx context.Context, userID ledger.UserID) ([]RecomputeResult, error) {
	wallets, err := s.store.ListWallets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	ids := make([]ledger.WalletID, len(wallets))
	for i, w := range wallets {
		ids[i] = w.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	unlock := s.locks.LockAll(walletKeys(ids)...)
	defer unlock()
	return s.recomputeEach(ctx, ids)
}

// lockAccount locks every wallet owned by the owner of id, plus extra.
// The returned ids start with id; the rest follow in id order.
func (s *Service) lockAccount(ctx context.Context, id ledger.WalletID, extra ...ledger.WalletID) ([]ledger.WalletID, func(), error) {
	w, err := s.store.GetWallet(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	wallets, err := s.store.ListWallets(ctx, w.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	seen := map[ledger.WalletID]bool{id: true}
	var others []ledger.WalletID
	add := func(other ledger.WalletID) {
		if other != "" && !seen[other] {
			seen[other] = true
			others = append(others, other)
		}
	}
	for _, wl := range wallets {
		add(wl.ID)
	}
	for _, e := range extra {
		add(e)
	}
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })

	ids := append([]ledger.WalletID{id}, others...)
	return ids, s.locks.LockAll(walletKeys(ids)...), nil
}

// recomputeEach recomputes wallets whose locks are already held. Every
// wallet is attempted; failures are joined.
func (s *Service) recomputeEach(ctx context.Context, ids []ledger.WalletID) ([]RecomputeResult, error) {
	var (
		results []RecomputeResult
		errs    []error
	)
	for _, id := range ids {
		r, err := s.recomputeLocked(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("wallet %s: %w", id, err))
			continue
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

func walletKeys(ids []ledger.WalletID) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	return keys
}

func (s *Service) recomputeLocked(ctx context.Context, id ledger.WalletID) (RecomputeResult, error) {
	log := s.log.WithField("wallet_id", id)

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var result RecomputeResult
		err := s.store.WithTx(ctx, func(tx ledger.Store) error {
			snap, err := readSnapshot(ctx, tx, id)
			if err != nil {
				return err
			}

			replay, _, err := ledger.ReplayWallet(id, snap.entries, snap.wallets, s.resolver)
			if err != nil {
				return err
			}

			result = RecomputeResult{
				WalletID:   id,
				Previous:   snap.wallet.Balance,
				Balance:    replay.Balance,
				Changed:    !replay.Balance.Equal(snap.wallet.Balance),
				Version:    snap.wallet.Version,
				Attempts:   attempt,
				Totals:     replay.Totals,
				Unresolved: replay.Unresolved,
			}
			if !result.Changed {
				return nil
			}

			version, err := tx.UpdateWalletBalance(ctx, id, replay.Balance, snap.wallet.Version)
			if err != nil {
				return err
			}
			result.Version = version

			return tx.AppendAudit(ctx, ledger.AuditEntry{
				ID:        uuid.NewString(),
				Timestamp: s.Now(),
				Actor:     "system",
				Action:    ledger.AuditBalanceRecomputed,
				WalletID:  id,
				Payload: map[string]any{
					"previous": snap.wallet.Balance.String(),
					"balance":  replay.Balance.String(),
					"version":  version,
				},
			})
		})

		switch {
		case err == nil:
			if len(result.Unresolved) > 0 {
				log.WithField("unresolved", len(result.Unresolved)).Warn("replay treated unresolved transfers as outgoing")
			}
			log.WithFields(logrus.Fields{
				"balance": result.Balance.String(),
				"changed": result.Changed,
				"attempt": attempt,
			}).Debug("wallet recomputed")
			return result, nil

		case errors.Is(err, ledger.ErrPersistenceConflict):
			lastErr = err
			log.WithField("attempt", attempt).Warn("balance write conflicted, replaying again")
			continue

		default:
			var replayErr *ledger.ReplayError
			if errors.As(err, &replayErr) {
				log.WithError(err).WithField("entry_id", replayErr.EntryID).
					Error("ALERT: replay failed, stored balance kept")
			}
			return RecomputeResult{}, err
		}
	}

	log.WithError(lastErr).Error("balance write conflicted on every attempt")
	return RecomputeResult{}, fmt.Errorf("recompute wallet %s after %d attempts: %w", id, s.maxAttempts, lastErr)
}

// =============================================================================
// READS
// =============================================================================

// BalanceView compares the stored balance with a fresh replay.
type BalanceView struct {
	WalletID   ledger.WalletID     `json:"wallet_id"`
	Stored     decimal.Decimal     `json:"stored_balance"`
	Replayed   decimal.Decimal     `json:"replayed_balance"`
	Drift      decimal.Decimal     `json:"drift"`
	InSync     bool                `json:"in_sync"`
	Version    int64               `json:"version"`
	Totals     ledger.Totals       `json:"totals"`
	Steps      []ledger.ReplayStep `json:"steps"`
	Unresolved []ledger.EntryID    `json:"unresolved_transfers"`
}

// Balance replays the wallet without writing anything.
func (s *Service) Balance(ctx context.Context, id ledger.WalletID) (BalanceView, error) {
	snap, err := s.loadSnapshot(ctx, id)
	if err != nil {
		return BalanceView{}, err
	}
	replay, _, err := ledger.ReplayWallet(id, snap.entries, snap.wallets, s.resolver)
	if err != nil {
		return BalanceView{}, err
	}
	drift := snap.wallet.Balance.Sub(replay.Balance)
	return BalanceView{
		WalletID:   id,
		Stored:     snap.wallet.Balance,
		Replayed:   replay.Balance,
		Drift:      drift,
		InSync:     drift.IsZero(),
		Version:    snap.wallet.Version,
		Totals:     replay.Totals,
		Steps:      replay.Steps,
		Unresolved: replay.Unresolved,
	}, nil
}

// Entries returns the wallet's entries, voided included, in replay order.
func (s *Service) Entries(ctx context.Context, id ledger.WalletID) ([]ledger.Entry, error) {
	if _, err := s.store.GetWallet(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	return ledger.SortEntries(entries), nil
}

// =============================================================================
// DIAGNOSTICS & REPAIR
// =============================================================================

// Diagnose runs every detection pass against a snapshot. Nothing is written
// except a drift notification when the cached balance disagrees with the
// replay.
func (s *Service) Diagnose(ctx context.Context, id ledger.WalletID, expected *decimal.Decimal) (ledger.Report, error) {
	snap, err := s.loadSnapshot(ctx, id)
	if err != nil {
		return ledger.Report{}, err
	}
	report, err := s.diagnose(snap, expected)
	if err != nil {
		return ledger.Report{}, err
	}
	if !report.Drift.IsZero() {
		s.notifyDrift(ctx, snap.wallet, report)
	}
	return report, nil
}

func (s *Service) diagnose(snap snapshot, expected *decimal.Decimal) (ledger.Report, error) {
	res := s.resolver.Resolve(snap.entries, snap.wallets)
	return s.diagnostics.Diagnose(ledger.DiagnosticsInput{
		Wallet:          snap.wallet,
		Entries:         snap.own(),
		Resolution:      res,
		ExpectedBalance: expected,
		Now:             s.Now(),
	})
}

func (s *Service) notifyDrift(ctx context.Context, w ledger.Wallet, report ledger.Report) {
	s.log.WithFields(logrus.Fields{
		"wallet_id": w.ID,
		"stored":    report.StoredBalance.String(),
		"replayed":  report.ReplayedBalance.String(),
	}).Warn("stored balance drifted from replay")

	if s.notifier == nil || s.driftNotified(ctx, w) {
		return
	}
	err := s.notifier.Notify(ctx, ledger.Notification{
		ID:      uuid.NewString(),
		UserID:  w.UserID,
		Kind:    ledger.NotifyBalanceDrift,
		Title:   "Saldo divergente",
		Message: fmt.Sprintf("O saldo da carteira %s (%s) difere do histórico (%s).", w.Name, report.StoredBalance.StringFixed(2), report.ReplayedBalance.StringFixed(2)),
		Data: map[string]any{
			"wallet_id": string(w.ID),
			"version":   strconv.FormatInt(w.Version, 10),
			"stored":    report.StoredBalance.String(),
			"replayed":  report.ReplayedBalance.String(),
		},
		CreatedAt: s.Now(),
	})
	if err != nil {
		s.log.WithError(err).Warn("failed to send drift notification")
	}
}

// driftNotified reports whether a drift notification already exists for
// the wallet at its current version.
func (s *Service) driftNotified(ctx context.Context, w ledger.Wallet) bool {
	sent, err := s.store.ListNotifications(ctx, w.UserID)
	if err != nil {
		s.log.WithError(err).Warn("failed to list notifications")
		return false
	}
	version := strconv.FormatInt(w.Version, 10)
	for _, n := range sent {
		if n.Kind != ledger.NotifyBalanceDrift || n.Data == nil {
			continue
		}
		if fmt.Sprint(n.Data["wallet_id"]) == string(w.ID) && fmt.Sprint(n.Data["version"]) == version {
			return true
		}
	}
	return false
}

type RepairRequest struct {
	WalletID        ledger.WalletID
	ExpectedBalance *decimal.Decimal
	FindingIDs      []string // Empty means ledger.DefaultSelection
	Actor           string
}

type RepairResult struct {
	Report    ledger.Report         `json:"report"`
	Plan      ledger.CorrectionPlan `json:"plan"`
	Recompute RecomputeResult       `json:"recompute"`
	Related   []RecomputeResult     `json:"related,omitempty"` // Other wallets of the account
}

// Repair diagnoses the wallet, applies the selected findings as voids and
// superseding replacements, and recomputes the balance.
func (s *Service) Repair(ctx context.Context, req RepairRequest) (RepairResult, error) {
	ids, unlock, err := s.lockAccount(ctx, req.WalletID)
	if err != nil {
		return RepairResult{}, err
	}
	defer unlock()

	log := s.log.WithFields(logrus.Fields{"wallet_id": req.WalletID, "actor": req.Actor})

	snap, err := s.loadSnapshot(ctx, req.WalletID)
	if err != nil {
		return RepairResult{}, err
	}
	report, err := s.diagnose(snap, req.ExpectedBalance)
	if err != nil {
		return RepairResult{}, err
	}

	selection := req.FindingIDs
	if len(selection) == 0 {
		selection = ledger.DefaultSelection(report)
	}
	plan, err := ledger.PlanCorrections(report, snap.own(), selection)
	if err != nil {
		return RepairResult{}, err
	}

	if !plan.IsEmpty() {
		if err := s.applyPlan(ctx, plan, req.Actor); err != nil {
			return RepairResult{}, fmt.Errorf("failed to apply corrections: %w", err)
		}
		log.WithFields(logrus.Fields{
			"voids":        len(plan.Voids),
			"replacements": len(plan.Replacements),
			"skipped":      len(plan.Skipped),
		}).Info("corrections applied")
	}

	recompute, err := s.recomputeLocked(ctx, req.WalletID)
	if err != nil {
		return RepairResult{}, err
	}
	related, err := s.recomputeEach(ctx, ids[1:])
	if err != nil {
		return RepairResult{}, err
	}
	return RepairResult{Report: report, Plan: plan, Recompute: recompute, Related: related}, nil
}

// applyPlan voids entries and inserts their replacements. A replaced entry
// is voided before its replacement is inserted so the external key is free.
func (s *Service) applyPlan(ctx context.Context, plan ledger.CorrectionPlan, actor string) error {
	replacements := make(map[ledger.EntryID]ledger.Entry, len(plan.Replacements))
	for _, r := range plan.Replacements {
		replacements[r.Replaces] = r.Entry
	}
	now := s.Now()

	return s.store.WithTx(ctx, func(tx ledger.Store) error {
		for _, id := range plan.Voids {
			repl, replaced := replacements[id]
			if err := tx.VoidEntry(ctx, id, repl.ID); err != nil {
				return err
			}
			if replaced {
				if _, err := tx.InsertEntry(ctx, repl); err != nil {
					return err
				}
				if err := tx.AppendAudit(ctx, ledger.AuditEntry{
					ID: uuid.NewString(), Timestamp: now, Actor: actor,
					Action: ledger.AuditEntrySuperseded, WalletID: plan.WalletID, EntryID: id,
					Payload: map[string]any{"replacement": string(repl.ID), "kind": string(repl.Kind)},
				}); err != nil {
					return err
				}
			}
		}
		for _, f := range plan.Applied {
			if err := tx.AppendAudit(ctx, ledger.AuditEntry{
				ID: uuid.NewString(), Timestamp: now, Actor: actor,
				Action: ledger.AuditCorrectionApplied, WalletID: plan.WalletID, EntryID: f.EntryID,
				Payload: map[string]any{
					"finding":    f.ID,
					"suggestion": string(f.Suggestion),
					"delta":      f.Delta.String(),
				},
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// RECORDING
// =============================================================================

type RecordRequest struct {
	ledger.EntryInput
	Actor string
}

type RecordResult struct {
	Entry     ledger.Entry      `json:"entry"`
	Recompute []RecomputeResult `json:"recompute"`
}

// Record validates and stores a manually entered posting, then recomputes
// every wallet of the account, the wallet itself first. Postings that would
// take the wallet below its floor are rejected.
func (s *Service) Record(ctx context.Context, req RecordRequest) (RecordResult, error) {
	var counterpart ledger.WalletID
	if req.Kind == ledger.KindTransfer && req.Meta.Transfer != nil {
		counterpart = req.Meta.Transfer.CounterpartWalletID
	}
	wallets, unlock, err := s.lockAccount(ctx, req.WalletID, counterpart)
	if err != nil {
		return RecordResult{}, err
	}
	defer unlock()

	snap, err := s.loadSnapshot(ctx, req.WalletID)
	if err != nil {
		return RecordResult{}, err
	}
	in := req.EntryInput
	in.UserID = snap.wallet.UserID
	entry, err := ledger.NewEntry(in)
	if err != nil {
		return RecordResult{}, err
	}

	if err := s.checkFloor(snap, entry); err != nil {
		return RecordResult{}, err
	}

	err = s.store.WithTx(ctx, func(tx ledger.Store) error {
		saved, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		entry = saved
		return tx.AppendAudit(ctx, ledger.AuditEntry{
			ID: uuid.NewString(), Timestamp: s.Now(), Actor: req.Actor,
			Action: ledger.AuditEntryRecorded, WalletID: entry.WalletID, EntryID: entry.ID,
			Payload: map[string]any{"kind": string(entry.Kind), "amount": entry.Amount.String()},
		})
	})
	if err != nil {
		return RecordResult{}, err
	}

	result := RecordResult{Entry: entry}
	result.Recompute, err = s.recomputeEach(ctx, wallets)
	return result, err
}

// checkFloor replays the wallet with the new entry included.
func (s *Service) checkFloor(snap snapshot, entry ledger.Entry) error {
	floor := snap.wallet.Floor()
	if floor == nil {
		return nil
	}
	entry.Sequence = 1 << 62
	withEntry := append(append([]ledger.Entry(nil), snap.entries...), entry)
	replay, _, err := ledger.ReplayWallet(snap.wallet.ID, withEntry, snap.wallets, s.resolver)
	if err != nil {
		return err
	}
	if replay.Balance.LessThan(*floor) {
		return &ledger.InsufficientFundsError{
			WalletID:  snap.wallet.ID,
			Projected: replay.Balance.String(),
			Floor:     floor.String(),
		}
	}
	return nil
}

// Void marks an entry voided and recomputes every wallet of the account,
// the entry's wallet first.
func (s *Service) Void(ctx context.Context, id ledger.EntryID, actor string) ([]RecomputeResult, error) {
	entry, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	wallets, unlock, err := s.lockAccount(ctx, entry.WalletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !entry.IsVoided() {
		err = s.store.WithTx(ctx, func(tx ledger.Store) error {
			if err := tx.VoidEntry(ctx, id, ""); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, ledger.AuditEntry{
				ID: uuid.NewString(), Timestamp: s.Now(), Actor: actor,
				Action: ledger.AuditEntryVoided, WalletID: entry.WalletID, EntryID: id,
			})
		})
		if err != nil {
			return nil, err
		}
	}
	return s.recomputeEach(ctx, wallets)
}

// =============================================================================
// RECONCILIATION GROUPS
// =============================================================================

// TagReconciliation marks entries as reconciled together under code. Tagging
// never changes a balance.
func (s *Service) TagReconciliation(ctx context.Context, userID ledger.UserID, code string, ids []ledger.EntryID, actor string) ([]ledger.Entry, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: reconciliation code is required", ledger.ErrInvalidInput)
	}
	var tagged []ledger.Entry
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		for _, id := range ids {
			e, err := tx.GetEntry(ctx, id)
			if err != nil {
				return fmt.Errorf("entry %s: %w", id, err)
			}
			if e.UserID != userID {
				return fmt.Errorf("entry %s: %w", id, ledger.ErrEntryNotFound)
			}
			e.Reconciled = true
			e.ReconciliationCode = code
			if err := tx.UpdateEntry(ctx, e); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, ledger.AuditEntry{
				ID: uuid.NewString(), Timestamp: s.Now(), Actor: actor,
				Action: ledger.AuditReconciliationTagged, WalletID: e.WalletID, EntryID: e.ID,
				Payload: map[string]any{"code": code},
			}); err != nil {
				return err
			}
			tagged = append(tagged, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tagged, nil
}

// ReconciliationGroup returns the entries tagged with code.
func (s *Service) ReconciliationGroup(ctx context.Context, userID ledger.UserID, code string) ([]ledger.Entry, error) {
	return s.store.ListByReconciliationCode(ctx, userID, code)
}
