/*
reconciler.go - Webhook event → ledger entry upserts

PURPOSE:
  Mirrors Gestão Click sales, installments and financial transactions into
  ledger entries. Events may arrive twice, out of order, or with partial
  data, and the ERP API is unreliable.

STATE MACHINE (per external sale id):
  ┌──────────────────────────────────────────────────────────────────────┐
  │                                                                      │
  │  Unknown ──▶ Fetching ──┬── direct fetch ok ─────────┐               │
  │                         ├── listing search ok ───────┼──▶ Resolved   │
  │                         │                            │    or         │
  │                         │                            └──▶ Partially  │
  │                         ├── payload has id + amount ────▶ Partially  │
  │                         │                                 (minimal)  │
  │                         └── nothing usable ─────────────▶ Failed     │
  │                                                                      │
  └──────────────────────────────────────────────────────────────────────┘

  Minimal and Failed outcomes keep a PendingSync stub; the process-due
  entry point (sync.go) retries it. A full resolution clears the stub and
  supersedes the minimal record.

IDEMPOTENCY:
  Upsert key is (source, external id):
    sale:<saleID>:installment:<installmentID>
    sale:<saleID>:single               (sale without installments)
    transaction:<transactionID>
  Same data again: no-op. Changed status, dates or texts: updated in place.
  Changed amount, kind, transfer direction or wallet: the entry is
  superseded (void + insert).

CONCURRENCY:
  Events for the same sale id (or transaction id) run one at a time.

SEE ALSO:
  - event.go: Parsing
  - category.go: Kind mapping
  - wallet/service.go: RecomputeAccount after upserts
*/
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/wallet"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	FetchTimeout   time.Duration // Per external call; default 12s
	LookbackWindow time.Duration // Listing search window; default 90 days
	MaxListPages   int           // Listing pages scanned per search; default 20
	RetryBase      time.Duration // Pending sync backoff base; default 15m
	RetryMax       time.Duration // Pending sync backoff cap; default 24h
}

func DefaultConfig() Config {
	return Config{
		FetchTimeout:   12 * time.Second,
		LookbackWindow: 90 * 24 * time.Hour,
		MaxListPages:   20,
		RetryBase:      15 * time.Minute,
		RetryMax:       24 * time.Hour,
	}
}

// Recomputer rebuilds the balances of every wallet of a user after entries
// changed. Transfer legs pair across wallets, so touching one wallet can
// move another.
type Recomputer interface {
	RecomputeAccount(ctx context.Context, userID ledger.UserID) ([]wallet.RecomputeResult, error)
}

// =============================================================================
// OUTCOME
// =============================================================================

type State string

const (
	StateUnknown           State = "unknown"
	StateFetching          State = "fetching"
	StateResolved          State = "resolved"
	StatePartiallyResolved State = "partially_resolved"
	StateFailed            State = "failed"
	StateIgnored           State = "ignored" // Unrecognized event
)

type Action string

const (
	ActionCreated    Action = "created"
	ActionUpdated    Action = "updated"
	ActionSuperseded Action = "superseded"
	ActionUnchanged  Action = "unchanged"
)

// ItemFailure is one installment (or the single record) that could not be
// mapped or persisted.
type ItemFailure struct {
	ExternalID string `json:"external_id"`
	Error      string `json:"error"`
}

type Outcome struct {
	Event string     `json:"event"`
	Key   string     `json:"key,omitempty"`
	State State      `json:"state"`
	Stage FetchStage `json:"stage,omitempty"` // Where the data came from

	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Superseded int `json:"superseded"`
	Unchanged  int `json:"unchanged"`
	Voided     int `json:"voided"`

	Failures    []ItemFailure     `json:"failures,omitempty"`
	FetchErrors []string          `json:"fetch_errors,omitempty"`
	Wallets     []ledger.WalletID `json:"wallets,omitempty"`

	Minimal        bool   `json:"minimal_record,omitempty"`
	PendingSync    bool   `json:"pending_sync,omitempty"`
	Info           string `json:"info,omitempty"`
	RecomputeError string `json:"recompute_error,omitempty"`
}

// Successes counts items that are now persisted as intended.
func (o Outcome) Successes() int { return o.Created + o.Updated + o.Superseded + o.Unchanged }

// Err returns ErrMinimalRecordCreated for minimal outcomes. It is
// informational; the event was still recorded.
func (o Outcome) Err() error {
	if o.Minimal {
		return ledger.ErrMinimalRecordCreated
	}
	return nil
}

func (o *Outcome) count(a Action) {
	switch a {
	case ActionCreated:
		o.Created++
	case ActionUpdated:
		o.Updated++
	case ActionSuperseded:
		o.Superseded++
	case ActionUnchanged:
		o.Unchanged++
	}
}

func (o *Outcome) touch(ids ...ledger.WalletID) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		found := false
		for _, w := range o.Wallets {
			if w == id {
				found = true
				break
			}
		}
		if !found {
			o.Wallets = append(o.Wallets, id)
		}
	}
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	store    ledger.Store
	api      SalesAPI
	router   *WalletRouter
	balances Recomputer
	notifier ledger.Notifier
	locks    *ledger.KeyedMutex
	cfg      Config
	log      logrus.FieldLogger

	Now func() time.Time
}

// NewReconciler builds a reconciler. notifier and balances may be nil.
func NewReconciler(store ledger.Store, api SalesAPI, router *WalletRouter, balances Recomputer, notifier ledger.Notifier, cfg Config, log logrus.FieldLogger) *Reconciler {
	def := DefaultConfig()
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.LookbackWindow <= 0 {
		cfg.LookbackWindow = def.LookbackWindow
	}
	if cfg.MaxListPages <= 0 {
		cfg.MaxListPages = def.MaxListPages
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{
		store:    store,
		api:      api,
		router:   router,
		balances: balances,
		notifier: notifier,
		locks:    ledger.NewKeyedMutex(),
		cfg:      cfg,
		log:      log.WithField("component", "ingest"),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one webhook envelope. Unrecognized events are ignored.
// An error is returned only for malformed payloads and when not even a
// pending sync stub could be stored.
func (r *Reconciler) Handle(ctx context.Context, env Envelope) (Outcome, error) {
	ev, err := ParseEvent(env)
	if err != nil {
		if errors.Is(err, ErrUnrecognizedEvent) {
			r.log.WithField("event", env.Event).Info("ignoring unrecognized event")
			return Outcome{Event: env.Event, State: StateIgnored}, nil
		}
		return Outcome{Event: env.Event, State: StateUnknown}, err
	}

	unlock := r.locks.Lock(ev.LockKey())
	defer unlock()

	var out Outcome
	switch e := ev.(type) {
	case SaleEvent:
		if e.Deleted {
			out, err = r.deleteSale(ctx, e)
		} else {
			out, err = r.syncSale(ctx, env, e.SaleID(), &e.Sale)
		}
	case InstallmentEvent:
		hint := Sale{ID: ID(e.SaleID), Installments: []Installment{e.Installment}}
		out, err = r.syncSale(ctx, env, e.SaleID, &hint)
	case TransactionEvent:
		out, err = r.syncTransaction(ctx, env, e)
	}
	out.Event = env.Event
	if err != nil {
		return out, err
	}

	r.recompute(ctx, &out)
	r.log.WithFields(logrus.Fields{
		"event":   out.Event,
		"key":     out.Key,
		"state":   out.State,
		"created": out.Created,
		"updated": out.Updated,
		"failed":  len(out.Failures),
	}).Info("webhook event reconciled")
	return out, nil
}

func (r *Reconciler) recompute(ctx context.Context, out *Outcome) {
	if r.balances == nil || len(out.Wallets) == 0 {
		return
	}
	users := make(map[ledger.UserID]bool)
	var errs []error
	for _, id := range out.Wallets {
		w, err := r.store.GetWallet(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("wallet %s: %w", id, err))
			continue
		}
		if users[w.UserID] {
			continue
		}
		users[w.UserID] = true
		if _, err := r.balances.RecomputeAccount(ctx, w.UserID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		out.RecomputeError = err.Error()
		r.log.WithError(err).WithField("key", out.Key).Error("failed to recompute wallets after ingestion")
	}
}

// =============================================================================
// SALES
// =============================================================================

func (r *Reconciler) syncSale(ctx context.Context, env Envelope, saleID string, hint *Sale) (Outcome, error) {
	out := Outcome{Key: "sale:" + saleID, State: StateFetching}
	log := r.log.WithFields(logrus.Fields{"sale_id": saleID, "event": env.Event})

	walletID, err := r.router.Route(ctx, env.UserID)
	if err != nil {
		out.FetchErrors = append(out.FetchErrors, err.Error())
		return r.failSale(ctx, env, saleID, err.Error(), out)
	}

	sale, stage, fetchErrs := r.fetch(ctx, saleID)
	for _, fe := range fetchErrs {
		out.FetchErrors = append(out.FetchErrors, fe.Error())
	}

	if sale != nil {
		out.Stage = stage
		r.applySale(ctx, env.UserID, walletID, *sale, &out)
		switch {
		case out.Successes() == 0 && len(out.Failures) > 0:
			return r.failSale(ctx, env, saleID, "no installment could be stored", out)
		case len(out.Failures) > 0:
			// The stub stays until every installment is stored.
			out.State = StatePartiallyResolved
			if err := r.savePending(ctx, env, saleID, "partial_failure", failureSummary(out.Failures)); err != nil {
				return out, err
			}
			out.PendingSync = true
			r.notify(ctx, env.UserID, ledger.NotifyPartialFailure, "Venda importada parcialmente",
				fmt.Sprintf("A venda %s foi importada com %d falha(s).", saleID, len(out.Failures)),
				map[string]any{"sale_id": saleID, "failures": len(out.Failures), "successes": out.Successes()})
			return out, nil
		default:
			out.State = StateResolved
		}
		if err := r.store.DeletePendingSync(ctx, Source, saleID); err != nil && !ledger.IsNotFound(err) {
			log.WithError(err).Warn("failed to clear pending sync")
		}
		return out, nil
	}

	// Fallback: whatever the payload carries.
	if hint != nil {
		if minimal, ok := minimalSale(*hint); ok {
			return r.applyMinimal(ctx, env, walletID, minimal, out)
		}
	}

	log.WithField("errors", out.FetchErrors).Warn("sale unobtainable, storing pending sync")
	return r.failSale(ctx, env, saleID, "sale unobtainable", out)
}

// fetch runs the direct and listing stages of the fallback chain.
func (r *Reconciler) fetch(ctx context.Context, saleID string) (*Sale, FetchStage, []error) {
	if r.api == nil {
		return nil, "", []error{&FetchError{Stage: StageDirect, SaleID: saleID, Err: errors.New("no sales api configured")}}
	}
	var errs []error

	direct, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	sale, err := r.api.GetSale(direct, saleID)
	cancel()
	if err == nil {
		return &sale, StageDirect, nil
	}
	errs = append(errs, &FetchError{Stage: StageDirect, SaleID: saleID, Err: err})

	to := r.Now()
	from := to.Add(-r.cfg.LookbackWindow)
	for page := 1; page <= r.cfg.MaxListPages; page++ {
		listCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
		result, err := r.api.ListSales(listCtx, from, to, page)
		cancel()
		if err != nil {
			errs = append(errs, &FetchError{Stage: StageListing, SaleID: saleID, Err: err})
			return nil, "", errs
		}
		for _, s := range result.Sales {
			if string(s.ID) == saleID {
				return &s, StageListing, errs
			}
		}
		if page >= result.TotalPages || len(result.Sales) == 0 {
			break
		}
	}
	errs = append(errs, &FetchError{Stage: StageListing, SaleID: saleID, Err: ErrSaleNotFound})
	return nil, "", errs
}

// applySale upserts every installment of a fully known sale and voids the
// sale's entries that are no longer part of it (stale installments and
// minimal records). Entries of installments that failed to map are kept.
func (r *Reconciler) applySale(ctx context.Context, userID ledger.UserID, walletID ledger.WalletID, sale Sale, out *Outcome) {
	desired, failures := saleEntries(userID, walletID, sale, false, r.Now())
	out.Failures = append(out.Failures, failures...)

	keep := make(map[string]bool, len(desired)+len(failures))
	for _, f := range failures {
		keep[f.ExternalID] = true
	}
	var replacement ledger.EntryID
	for _, d := range desired {
		keep[d.Meta.ExternalID] = true
		saved, action, touched, err := r.upsert(ctx, d)
		if err != nil {
			out.Failures = append(out.Failures, ItemFailure{ExternalID: d.Meta.ExternalID, Error: err.Error()})
			continue
		}
		out.count(action)
		out.touch(touched...)
		if replacement == "" {
			replacement = saved.ID
		}
	}
	if replacement == "" {
		return
	}

	existing, err := r.store.ListSaleEntries(ctx, Source, string(sale.ID))
	if err != nil {
		r.log.WithError(err).WithField("sale_id", sale.ID).Warn("failed to list sale entries")
		return
	}
	for _, e := range existing {
		if keep[e.Meta.ExternalID] {
			continue
		}
		supersededBy := ledger.EntryID("")
		if e.Meta.MinimalRecord {
			supersededBy = replacement
		}
		if err := r.store.VoidEntry(ctx, e.ID, supersededBy); err != nil {
			out.Failures = append(out.Failures, ItemFailure{ExternalID: e.Meta.ExternalID, Error: err.Error()})
			continue
		}
		out.Voided++
		out.touch(e.WalletID)
	}
}

// applyMinimal stores the payload-derived record when the sale has no
// entries yet. Existing entries are kept as they are. Both cases end
// partially resolved and keep the stub so a later run completes the sale.
func (r *Reconciler) applyMinimal(ctx context.Context, env Envelope, walletID ledger.WalletID, sale Sale, out Outcome) (Outcome, error) {
	saleID := string(sale.ID)
	out.Stage = StageMinimal
	out.State = StatePartiallyResolved

	existing, err := r.store.ListSaleEntries(ctx, Source, saleID)
	if err != nil {
		return r.failSale(ctx, env, saleID, err.Error(), out)
	}

	if len(existing) > 0 {
		out.Unchanged = len(existing)
		out.Info = "sale unobtainable, existing entries kept"
	} else {
		desired, failures := saleEntries(env.UserID, walletID, sale, true, r.Now())
		out.Failures = append(out.Failures, failures...)
		for _, d := range desired {
			_, action, touched, err := r.upsert(ctx, d)
			if err != nil {
				out.Failures = append(out.Failures, ItemFailure{ExternalID: d.Meta.ExternalID, Error: err.Error()})
				continue
			}
			out.count(action)
			out.touch(touched...)
		}
		if out.Successes() == 0 {
			return r.failSale(ctx, env, saleID, "minimal record could not be stored", out)
		}
		out.Minimal = true
		out.Info = ledger.ErrMinimalRecordCreated.Error()
		r.notify(ctx, env.UserID, ledger.NotifyMinimalRecord, "Venda registrada com dados mínimos",
			fmt.Sprintf("A venda %s foi registrada com dados do webhook e será sincronizada depois.", saleID),
			map[string]any{"sale_id": saleID, "amount": sale.Amount().String()})
	}

	if err := r.savePending(ctx, env, saleID, "minimal_record", strings.Join(out.FetchErrors, "; ")); err != nil {
		return out, err
	}
	out.PendingSync = true
	return out, nil
}

// failSale stores the pending sync stub. Failing to store it is the only
// unrecoverable outcome.
func (r *Reconciler) failSale(ctx context.Context, env Envelope, saleID, reason string, out Outcome) (Outcome, error) {
	out.State = StateFailed
	if err := r.savePending(ctx, env, saleID, reason, strings.Join(out.FetchErrors, "; ")); err != nil {
		return out, err
	}
	out.PendingSync = true
	r.notify(ctx, env.UserID, ledger.NotifyFailed, "Falha ao importar venda",
		fmt.Sprintf("Não foi possível obter a venda %s. Uma nova tentativa será feita automaticamente.", saleID),
		map[string]any{"sale_id": saleID, "reason": reason})
	return out, nil
}

// savePending creates or reschedules the stub. Attempts grow with every
// unsuccessful run and drive the backoff.
func (r *Reconciler) savePending(ctx context.Context, env Envelope, externalID, reason, lastErr string) error {
	now := r.Now()
	stub := ledger.PendingSync{
		ID:         uuid.NewString(),
		UserID:     env.UserID,
		Source:     Source,
		ExternalID: externalID,
		Event:      env.Event,
		Payload:    env.Data,
		Reason:     reason,
		LastError:  lastErr,
		CreatedAt:  now,
	}
	if existing, err := r.store.GetPendingSync(ctx, Source, externalID); err == nil {
		stub.ID = existing.ID
		stub.Attempts = existing.Attempts + 1
		stub.CreatedAt = existing.CreatedAt
	} else if !ledger.IsNotFound(err) {
		return fmt.Errorf("failed to read pending sync: %w", err)
	}
	stub.NextRunAt = now.Add(Backoff(stub.Attempts, r.cfg.RetryBase, r.cfg.RetryMax))
	stub.UpdatedAt = now

	if err := r.store.UpsertPendingSync(ctx, stub); err != nil {
		r.log.WithError(err).WithField("external_id", externalID).Error("failed to store pending sync")
		return fmt.Errorf("failed to store pending sync for %s: %w", externalID, err)
	}
	return nil
}

func (r *Reconciler) deleteSale(ctx context.Context, e SaleEvent) (Outcome, error) {
	saleID := e.SaleID()
	out := Outcome{Key: "sale:" + saleID, State: StateResolved}

	entries, err := r.store.ListSaleEntries(ctx, Source, saleID)
	if err != nil {
		return out, fmt.Errorf("failed to list sale entries: %w", err)
	}
	err = r.store.WithTx(ctx, func(tx ledger.Store) error {
		for _, entry := range entries {
			if err := tx.VoidEntry(ctx, entry.ID, ""); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, ledger.AuditEntry{
				ID: uuid.NewString(), Timestamp: r.Now(), Actor: Source,
				Action: ledger.AuditEntryVoided, WalletID: entry.WalletID, EntryID: entry.ID,
				Payload: map[string]any{"reason": "sale deleted", "sale_id": saleID},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("failed to void sale entries: %w", err)
	}
	for _, entry := range entries {
		out.Voided++
		out.touch(entry.WalletID)
	}
	if err := r.store.DeletePendingSync(ctx, Source, saleID); err != nil && !ledger.IsNotFound(err) {
		r.log.WithError(err).WithField("sale_id", saleID).Warn("failed to clear pending sync")
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (r *Reconciler) syncTransaction(ctx context.Context, env Envelope, e TransactionEvent) (Outcome, error) {
	tx := e.Transaction
	out := Outcome{Key: "transaction:" + string(tx.ID), State: StateFetching}

	walletID, err := r.router.Route(ctx, e.UserID)
	if err != nil {
		out.State = StateFailed
		if perr := r.savePending(ctx, env, out.Key, err.Error(), err.Error()); perr != nil {
			return out, perr
		}
		out.PendingSync = true
		return out, nil
	}

	desired, err := transactionEntry(e.UserID, walletID, tx, r.Now())
	if err != nil {
		out.State = StateFailed
		out.Failures = append(out.Failures, ItemFailure{ExternalID: out.Key, Error: err.Error()})
		return out, nil
	}
	_, action, touched, err := r.upsert(ctx, desired)
	if err != nil {
		out.State = StateFailed
		out.Failures = append(out.Failures, ItemFailure{ExternalID: out.Key, Error: err.Error()})
		if perr := r.savePending(ctx, env, out.Key, "persistence_failed", err.Error()); perr != nil {
			return out, perr
		}
		out.PendingSync = true
		r.notify(ctx, e.UserID, ledger.NotifyFailed, "Falha ao importar lançamento",
			fmt.Sprintf("Não foi possível gravar o lançamento %s. Uma nova tentativa será feita automaticamente.", tx.ID),
			map[string]any{"transaction_id": string(tx.ID), "reason": err.Error()})
		return out, nil
	}
	out.count(action)
	out.touch(touched...)
	out.State = StateResolved
	if err := r.store.DeletePendingSync(ctx, Source, out.Key); err != nil && !ledger.IsNotFound(err) {
		r.log.WithError(err).WithField("key", out.Key).Warn("failed to clear pending sync")
	}
	return out, nil
}

// =============================================================================
// UPSERT
// =============================================================================

// upsert applies desired against the active entry holding its key. It
// returns the stored entry, what happened and the wallets whose balance
// may have changed.
func (r *Reconciler) upsert(ctx context.Context, p planned) (ledger.Entry, Action, []ledger.WalletID, error) {
	desired := p.Entry
	var (
		saved   ledger.Entry
		action  Action
		touched []ledger.WalletID
	)
	err := r.store.WithTx(ctx, func(tx ledger.Store) error {
		existing, err := tx.FindByExternalKey(ctx, desired.Key())
		if errors.Is(err, ledger.ErrEntryNotFound) {
			saved, err = tx.InsertEntry(ctx, desired)
			action, touched = ActionCreated, []ledger.WalletID{desired.WalletID}
			return err
		}
		if err != nil {
			return err
		}

		if existing.Kind != desired.Kind || !existing.Amount.Equal(desired.Amount) ||
			existing.WalletID != desired.WalletID || existing.Direction() != desired.Direction() {
			if err := tx.VoidEntry(ctx, existing.ID, desired.ID); err != nil {
				return err
			}
			if saved, err = tx.InsertEntry(ctx, desired); err != nil {
				return err
			}
			action, touched = ActionSuperseded, []ledger.WalletID{existing.WalletID, desired.WalletID}
			return tx.AppendAudit(ctx, ledger.AuditEntry{
				ID: uuid.NewString(), Timestamp: r.Now(), Actor: Source,
				Action: ledger.AuditEntrySuperseded, WalletID: existing.WalletID, EntryID: existing.ID,
				Payload: map[string]any{
					"replacement": string(desired.ID),
					"old_amount":  existing.Amount.String(),
					"new_amount":  desired.Amount.String(),
					"old_kind":    string(existing.Kind),
					"new_kind":    string(desired.Kind),
					"old_dir":     string(existing.Direction()),
					"new_dir":     string(desired.Direction()),
				},
			})
		}

		merged := mergeMutable(existing, desired)
		if p.undated {
			merged.OccurredAt = existing.OccurredAt
		}
		if sameMutable(existing, merged) {
			saved, action = existing, ActionUnchanged
			return nil
		}
		if err := tx.UpdateEntry(ctx, merged); err != nil {
			return err
		}
		saved, action, touched = merged, ActionUpdated, []ledger.WalletID{merged.WalletID}
		return nil
	})
	return saved, action, touched, err
}

// mergeMutable copies the fields an external update may change onto the
// stored entry. Reconciliation tags and the transfer link set locally are
// kept.
func mergeMutable(existing, desired ledger.Entry) ledger.Entry {
	merged := existing
	merged.Name = desired.Name
	merged.Description = desired.Description
	merged.Category = desired.Category
	merged.Status = desired.Status
	merged.PaymentDate = desired.PaymentDate
	merged.OccurredAt = desired.OccurredAt
	merged.Meta.SaleID = desired.Meta.SaleID
	merged.Meta.InstallmentID = desired.Meta.InstallmentID
	merged.Meta.MinimalRecord = desired.Meta.MinimalRecord
	merged.Meta.NeedsSync = desired.Meta.NeedsSync
	if merged.Meta.Transfer == nil {
		merged.Meta.Transfer = desired.Meta.Transfer
	}
	return merged
}

func sameMutable(a, b ledger.Entry) bool {
	samePaid := (a.PaymentDate == nil) == (b.PaymentDate == nil) &&
		(a.PaymentDate == nil || a.PaymentDate.Equal(*b.PaymentDate))
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.Category == b.Category &&
		a.Status == b.Status &&
		samePaid &&
		a.OccurredAt.Equal(b.OccurredAt) &&
		a.Meta.SaleID == b.Meta.SaleID &&
		a.Meta.InstallmentID == b.Meta.InstallmentID &&
		a.Meta.MinimalRecord == b.Meta.MinimalRecord &&
		a.Meta.NeedsSync == b.Meta.NeedsSync &&
		sameTransfer(a.Meta.Transfer, b.Meta.Transfer)
}

func sameTransfer(a, b *ledger.TransferRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func failureSummary(failures []ItemFailure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = f.ExternalID + ": " + f.Error
	}
	return strings.Join(parts, "; ")
}

// =============================================================================
// MAPPING - ERP records → entries
// =============================================================================

// planned is an entry built from an ERP record. undated marks entries whose
// OccurredAt fell back to the processing time; updates keep the stored one.
type planned struct {
	ledger.Entry
	undated bool
}

// InstallmentExternalID is the upsert key of one installment.
func InstallmentExternalID(saleID, installmentID string) string {
	return fmt.Sprintf("sale:%s:installment:%s", saleID, installmentID)
}

// SingleExternalID is the upsert key of a sale without installments.
func SingleExternalID(saleID string) string {
	return fmt.Sprintf("sale:%s:single", saleID)
}

var paidSaleStatuses = []string{"concretizada", "confirmada", "finalizada", "faturada", "paga", "pago", "liquidada"}

func saleEntries(userID ledger.UserID, walletID ledger.WalletID, sale Sale, minimal bool, now time.Time) ([]planned, []ItemFailure) {
	saleID := string(sale.ID)
	name := saleName(sale)
	meta := ledger.Provenance{Source: Source, SaleID: saleID, MinimalRecord: minimal, NeedsSync: minimal}

	if len(sale.Installments) == 0 {
		_, paid := ledger.ContainsAny(sale.Status, paidSaleStatuses)
		amount := sale.Amount()
		m := meta
		m.ExternalID = SingleExternalID(saleID)
		e, err := buildEntry(userID, walletID, name, sale.Description, sale.Category, amount,
			firstDate(sale.Date.Time, now), paid, nil, m)
		if err != nil {
			return nil, []ItemFailure{{ExternalID: m.ExternalID, Error: err.Error()}}
		}
		return []planned{{Entry: e, undated: sale.Date.IsZero()}}, nil
	}

	var (
		entries  []planned
		failures []ItemFailure
	)
	installments := append([]Installment(nil), sale.Installments...)
	sort.SliceStable(installments, func(i, j int) bool {
		return installments[i].DueDate.Before(installments[j].DueDate.Time)
	})
	for i, inst := range installments {
		if inst.ID == "" {
			failures = append(failures, ItemFailure{
				ExternalID: fmt.Sprintf("sale:%s:installment:#%d", saleID, i+1),
				Error:      "installment has no id",
			})
			continue
		}
		m := meta
		m.ExternalID = InstallmentExternalID(saleID, string(inst.ID))
		m.InstallmentID = string(inst.ID)

		category := inst.Category
		if category == "" {
			category = sale.Category
		}
		desc := fmt.Sprintf("Parcela %d/%d", i+1, len(installments))
		if inst.PaymentMethod != "" {
			desc += " - " + inst.PaymentMethod
		}
		var paidAt *time.Time
		if !inst.PaidDate.IsZero() {
			t := inst.PaidDate.Time
			paidAt = &t
		}
		e, err := buildEntry(userID, walletID, name, desc, category, inst.Amount.Value,
			firstDate(inst.PaidDate.Time, firstDate(inst.DueDate.Time, firstDate(sale.Date.Time, now))),
			inst.Paid(), paidAt, m)
		if err != nil {
			failures = append(failures, ItemFailure{ExternalID: m.ExternalID, Error: err.Error()})
			continue
		}
		undated := inst.PaidDate.IsZero() && inst.DueDate.IsZero() && sale.Date.IsZero()
		entries = append(entries, planned{Entry: e, undated: undated})
	}
	return entries, failures
}

func transactionEntry(userID ledger.UserID, walletID ledger.WalletID, tx Transaction, now time.Time) (planned, error) {
	amount := tx.Amount.Value
	meta := ledger.Provenance{Source: Source, ExternalID: "transaction:" + string(tx.ID)}

	var kind ledger.Kind
	switch tx.Type {
	case TransactionTransfer:
		kind = ledger.KindTransfer
		dir := ledger.DirectionOut
		if strings.EqualFold(tx.Direction, "entrada") || (tx.Direction == "" && amount.IsPositive()) {
			dir = ledger.DirectionIn
		}
		meta.Transfer = &ledger.TransferRef{Direction: dir}
	case TransactionExpense:
		kind = MapCategory(tx.Category, amount.Abs().Neg())
		if kind.IsCredit() {
			kind = ledger.KindExpense
		}
	case TransactionRevenue:
		kind = MapCategory(tx.Category, amount.Abs())
		if kind.IsDebit() {
			kind = ledger.KindIncome
		}
	default:
		kind = MapCategory(tx.Category, amount)
	}

	var paidAt *time.Time
	if !tx.PaidDate.IsZero() {
		t := tx.PaidDate.Time
		paidAt = &t
	}
	status := ledger.StatusPending
	if bool(tx.Settled) || paidAt != nil {
		status = ledger.StatusPaid
	}
	e, err := ledger.NewEntry(ledger.EntryInput{
		WalletID:    walletID,
		UserID:      userID,
		Kind:        kind,
		Amount:      amount.Abs(),
		OccurredAt:  firstDate(tx.PaidDate.Time, firstDate(tx.DueDate.Time, now)),
		Name:        firstNonEmpty(tx.Description, "Lançamento "+string(tx.ID)),
		Category:    tx.Category,
		Status:      status,
		PaymentDate: paidAt,
		Meta:        meta,
	})
	return planned{Entry: e, undated: tx.PaidDate.IsZero() && tx.DueDate.IsZero()}, err
}

func buildEntry(userID ledger.UserID, walletID ledger.WalletID, name, desc, category string, amount decimal.Decimal, at time.Time, paid bool, paidAt *time.Time, meta ledger.Provenance) (ledger.Entry, error) {
	status := ledger.StatusPending
	if paid {
		status = ledger.StatusPaid
	}
	return ledger.NewEntry(ledger.EntryInput{
		WalletID:    walletID,
		UserID:      userID,
		Kind:        MapCategory(category, amount),
		Amount:      amount.Abs(),
		OccurredAt:  at,
		Name:        name,
		Description: desc,
		Category:    category,
		Status:      status,
		PaymentDate: paidAt,
		Meta:        meta,
	})
}

// minimalSale checks that the payload identifies the sale and carries a
// positive amount.
func minimalSale(hint Sale) (Sale, bool) {
	if hint.ID == "" || !hint.Amount().IsPositive() {
		return Sale{}, false
	}
	// Installments without their own id or amount collapse into one record.
	for _, inst := range hint.Installments {
		if inst.ID == "" || !inst.Amount.Value.IsPositive() {
			total := hint.Amount()
			hint.Installments = nil
			hint.Total = NewNumber(total)
			break
		}
	}
	return hint, true
}

func saleName(s Sale) string {
	label := string(s.ID)
	if s.Code != "" {
		label = s.Code
	}
	name := "Venda " + label
	if s.CustomerName != "" {
		name += " - " + s.CustomerName
	}
	return name
}

func firstDate(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (r *Reconciler) notify(ctx context.Context, userID ledger.UserID, kind ledger.NotificationKind, title, message string, data map[string]any) {
	if r.notifier == nil {
		return
	}
	err := r.notifier.Notify(ctx, ledger.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: r.Now(),
	})
	if err != nil {
		r.log.WithError(err).WithField("kind", kind).Warn("failed to send notification")
	}
}
