package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maisonpos/fiscalcore/pkg/audit"
	"github.com/maisonpos/fiscalcore/pkg/classify"
	"github.com/maisonpos/fiscalcore/pkg/config"
	"github.com/maisonpos/fiscalcore/pkg/crypto"
	"github.com/maisonpos/fiscalcore/pkg/observability"
	"github.com/maisonpos/fiscalcore/pkg/order"
	"github.com/maisonpos/fiscalcore/pkg/profile"
	"github.com/maisonpos/fiscalcore/pkg/receipt"
	"github.com/maisonpos/fiscalcore/pkg/regulator"
)

// TenantLimiter gates submissions per tenant before any network call. A nil
// limiter means no tenant-level gating.
type TenantLimiter interface {
	Allow(ctx context.Context, tenantID string) (bool, error)
}

// ItemResult is the outcome of processing one claimed item.
type ItemResult struct {
	ItemID   string        `json:"item_id"`
	EntityID string        `json:"entity_id"`
	TenantID string        `json:"tenant_id"`
	Code     classify.Code `json:"code"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
}

// ConsumeResult summarizes one consume pass.
type ConsumeResult struct {
	Claimed   int          `json:"claimed"`
	Completed int          `json:"completed"`
	Retried   int          `json:"retried"`
	Failed    int          `json:"failed"`
	Deferred  int          `json:"deferred"`
	Items     []ItemResult `json:"items"`
}

// Worker drains the queue: it claims eligible items, signs and submits them,
// and settles their state from the classified outcome.
type Worker struct {
	cfg      *config.Config
	store    Store
	breaker  *Breaker
	profiles *profile.SQLiteStore
	receipts receipt.Store
	audits   audit.Store
	limiter  TenantLimiter
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	clients    map[string]*regulator.Client
	clientOpts []regulator.ClientOption
}

// WorkerOption adjusts worker construction.
type WorkerOption func(*Worker)

// WithClientOptions appends options to every regulator client the worker
// builds. Tests inject mock transports through this.
func WithClientOptions(opts ...regulator.ClientOption) WorkerOption {
	return func(w *Worker) { w.clientOpts = append(w.clientOpts, opts...) }
}

// NewWorker wires the pipeline. limiter and metrics may be nil.
func NewWorker(cfg *config.Config, store Store, breaker *Breaker, profiles *profile.SQLiteStore,
	receipts receipt.Store, audits audit.Store, limiter TenantLimiter, metrics *observability.Metrics,
	opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:      cfg,
		store:    store,
		breaker:  breaker,
		profiles: profiles,
		receipts: receipts,
		audits:   audits,
		limiter:  limiter,
		metrics:  metrics,
		logger:   slog.Default().With("component", "worker"),
		clients:  make(map[string]*regulator.Client),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EnqueueOrder serializes a snapshot and inserts it with its idempotency key.
// A duplicate key is reported as ErrAlreadyQueued; the order is already on
// its way.
func (w *Worker) EnqueueOrder(ctx context.Context, snap *order.Snapshot) (*Item, error) {
	if !snap.Category.Valid() {
		return nil, fmt.Errorf("queue: unknown category %q", snap.Category)
	}
	cents, err := snap.TotalCents()
	if err != nil {
		return nil, err
	}
	payload, err := marshalPayload(snap)
	if err != nil {
		return nil, err
	}
	it := &Item{
		TenantID:       snap.TenantID,
		BranchID:       snap.BranchID,
		DeviceID:       snap.DeviceID,
		Environment:    string(w.cfg.Environment),
		Operation:      OpTransaction,
		OrderID:        snap.OrderID,
		IdempotencyKey: IdempotencyKey(string(w.cfg.Environment), snap.TenantID, snap.OrderID, snap.Timestamp, "", cents),
		Payload:        payload,
	}
	if err := w.store.Enqueue(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

// EnqueueClosing serializes a closing and inserts it.
func (w *Worker) EnqueueClosing(ctx context.Context, cl *order.Closing) (*Item, error) {
	cents, err := cl.TotalCents()
	if err != nil {
		return nil, err
	}
	payload, err := marshalPayload(cl)
	if err != nil {
		return nil, err
	}
	it := &Item{
		TenantID:       cl.TenantID,
		BranchID:       cl.BranchID,
		DeviceID:       cl.DeviceID,
		Environment:    string(w.cfg.Environment),
		Operation:      OpClosing,
		ClosingID:      cl.ClosingID,
		IdempotencyKey: IdempotencyKey(string(w.cfg.Environment), cl.TenantID, cl.ClosingID, cl.Timestamp, "", cents),
		Payload:        payload,
	}
	if err := w.store.Enqueue(ctx, it); err != nil {
		return nil, err
	}
	return it, nil
}

// ConsumeOnce claims one batch of eligible items and processes them with
// bounded concurrency. It returns when every claimed item has settled.
func (w *Worker) ConsumeOnce(ctx context.Context) (*ConsumeResult, error) {
	items, err := w.store.Eligible(ctx, time.Now(), w.cfg.BatchLimit)
	if err != nil {
		return nil, err
	}

	result := &ConsumeResult{}
	if len(items) == 0 {
		return result, nil
	}

	// Items for the same device run serially so the signature chain lookup
	// always sees the receipt written by the previous item. Distinct devices
	// run concurrently under the semaphore.
	groups := make(map[string][]*Item)
	var groupOrder []string
	for _, it := range items {
		if err := w.store.Claim(ctx, it.ID); err != nil {
			if errors.Is(err, ErrNotClaimed) {
				continue
			}
			return nil, err
		}
		result.Claimed++

		key := it.TenantID + "/" + it.DeviceID
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], it)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, Concurrency)
	)
	for _, key := range groupOrder {
		group := groups[key]

		wg.Add(1)
		sem <- struct{}{}
		go func(group []*Item) {
			defer wg.Done()
			defer func() { <-sem }()

			for _, it := range group {
				ir := w.process(ctx, it)

				mu.Lock()
				result.Items = append(result.Items, ir)
				switch ir.Status {
				case StatusCompleted:
					result.Completed++
				case StatusPending:
					if ir.Code == "" {
						result.Deferred++
					} else {
						result.Retried++
					}
				case StatusFailed:
					result.Failed++
				}
				mu.Unlock()
			}
		}(group)
	}
	wg.Wait()

	if w.metrics != nil {
		if counts, err := w.store.StatusCounts(ctx); err == nil {
			w.metrics.SetQueueDepth(ctx, counts.Pending, counts.Processing)
		}
	}
	return result, nil
}

// process runs one claimed item through the full pipeline and settles it.
func (w *Worker) process(ctx context.Context, it *Item) ItemResult {
	ir := ItemResult{ItemID: it.ID, EntityID: it.EntityID(), TenantID: it.TenantID}
	log := w.logger.With("item", it.ID, "tenant", it.TenantID, "entity", it.EntityID())

	// Circuit check comes before any expensive work: an open circuit defers
	// the item without consuming a retry.
	allowed, err := w.breaker.Allow(ctx, it.Environment, it.TenantID, it.Operation)
	if err != nil {
		return w.settleRetry(ctx, it, ir, classify.Result{Code: classify.CodeTempUnavailable, Retryable: true}, err.Error())
	}
	if !allowed {
		log.Info("circuit open, deferring")
		_ = w.store.Defer(ctx, it.ID, time.Now().Add(BreakerCooldown))
		ir.Status = StatusPending
		ir.Message = "circuit open"
		return ir
	}

	if w.limiter != nil {
		ok, err := w.limiter.Allow(ctx, it.TenantID)
		if err != nil {
			log.Warn("tenant limiter unavailable, proceeding", "err", err)
		} else if !ok {
			log.Info("tenant rate limited, deferring")
			_ = w.store.Defer(ctx, it.ID, time.Now().Add(time.Minute))
			ir.Status = StatusPending
			ir.Message = "tenant rate limited"
			return ir
		}
	}

	p, err := w.profiles.Resolve(ctx, it.TenantID, it.BranchID, it.DeviceID)
	if err != nil {
		return w.settleFail(ctx, it, ir, classify.Result{Code: classify.CodeUnknown}, "profile: "+err.Error())
	}
	kp, err := p.Keypair()
	if err != nil {
		return w.settleFail(ctx, it, ir, classify.Result{Code: classify.CodeUnknown}, "keypair: "+err.Error())
	}

	sub, err := it.Submission()
	if err != nil {
		return w.settleFail(ctx, it, ir, classify.Result{Code: classify.CodeUnknown}, err.Error())
	}

	var (
		payload map[string]any
		path    string
		headers map[string]string
	)
	switch s := sub.(type) {
	case *order.Snapshot:
		payload = regulator.BuildTransactionPayload(s, p)
		path = regulator.PathTransaction
		headers = regulator.TransactionHeaders(p)
	case *order.Closing:
		payload = regulator.BuildClosingPayload(s, p)
		path = regulator.PathClosing
		headers = regulator.BaseHeaders(p, false)
	}

	previous := crypto.ChainSentinel
	if prior, err := w.receipts.LatestForDevice(ctx, it.TenantID, sub.Device()); err != nil {
		return w.settleRetry(ctx, it, ir, classify.Result{Code: classify.CodeTempUnavailable, Retryable: true}, "chain lookup: "+err.Error())
	} else if prior != nil {
		previous = prior.Current
	}

	signer := crypto.NewSigner(kp)
	env, err := signer.Sign(payload, previous, regulator.FormatWireTime(sub.TransactionTime()))
	if err != nil {
		return w.settleFail(ctx, it, ir, classify.Result{Code: classify.CodeUnknown}, "sign: "+err.Error())
	}

	body, err := regulator.InjectEnvelope(payload, env)
	if err != nil {
		return w.settleFail(ctx, it, ir, classify.Result{Code: classify.CodeUnknown}, "marshal: "+err.Error())
	}
	if it.Operation == OpTransaction {
		if err := regulator.ValidateTransactionBody(body); err != nil {
			return w.settleFail(ctx, it, ir, classify.Result{Code: classify.CodeUnknown}, "schema: "+err.Error())
		}
	}

	entry := &audit.Entry{
		TenantID:    it.TenantID,
		OrderID:     it.OrderID,
		ClosingID:   it.ClosingID,
		Operation:   string(it.Operation),
		Method:      "POST",
		Path:        path,
		RequestHash: env.Hash,
		Signature:   env.Current,
	}

	if !w.cfg.NetworkEnabled {
		// Dry run: sign, record, persist the receipt locally, never touch the
		// wire. Certification replays depend on this being side-effect free
		// toward the regulator.
		log.Info("network disabled, dry run")
		entry.ErrorCode = "NETWORK_DISABLED"
		_ = w.audits.Record(ctx, entry)
		w.persistReceipt(ctx, it, sub, p, env, "")
		_ = w.store.Complete(ctx, it.ID, "", "NETWORK_DISABLED")
		ir.Status = StatusCompleted
		ir.Code = classify.CodeOK
		ir.Message = "dry run, network disabled"
		return ir
	}

	client := w.client(p, kp)
	resp, err := client.Post(ctx, path, body, headers, it.IdempotencyKey)
	if err != nil {
		return w.settleRetry(ctx, it, ir, classify.Result{Code: classify.CodeTempUnavailable, Retryable: true}, err.Error())
	}

	res := classify.Classify(resp)
	ir.Code = res.Code

	entry.Status = resp.Status
	entry.DurationMs = resp.DurationMs
	entry.RegulatorID = resp.TransactionID()
	entry.CodRetour = res.RawCode
	sum := sha256.Sum256(resp.Body)
	entry.ResponseHash = hex.EncodeToString(sum[:])
	if res.Code != classify.CodeOK {
		entry.ErrorCode = string(res.Code)
		entry.ErrorMsg = res.RawMessage
	}
	_ = w.audits.Record(ctx, entry)

	if w.metrics != nil {
		w.metrics.RecordSubmission(ctx, string(it.Operation), string(res.Code), time.Duration(resp.DurationMs)*time.Millisecond)
	}

	switch {
	case res.Code == classify.CodeOK:
		_ = w.breaker.RecordSuccess(ctx, it.Environment, it.TenantID, it.Operation)
		w.persistReceipt(ctx, it, sub, p, env, resp.TransactionID())
		_ = w.store.Complete(ctx, it.ID, resp.TransactionID(), string(res.Code))
		ir.Status = StatusCompleted
		log.Info("submitted", "regulator_id", resp.TransactionID(), "duration_ms", resp.DurationMs)
		return ir

	case res.Code == classify.CodeDuplicate:
		// The regulator already has it. Treat as success without a new
		// receipt; the original attempt wrote one. Non-retryable outcomes
		// never touch the breaker.
		_ = w.store.Complete(ctx, it.ID, resp.TransactionID(), string(res.Code))
		ir.Status = StatusCompleted
		ir.Message = "duplicate, already accepted"
		return ir

	case res.Retryable:
		_ = w.breaker.RecordFailure(ctx, it.Environment, it.TenantID, it.Operation)
		return w.settleRetry(ctx, it, ir, res, res.RawMessage)

	default:
		return w.settleFail(ctx, it, ir, res, res.UserMessage(it.RetryCount))
	}
}

// settleRetry reschedules with backoff, or fails terminally once the retry
// budget is spent. An item with max_retries = N gets N retries after its
// first attempt, so the budget check compares the retries already consumed.
func (w *Worker) settleRetry(ctx context.Context, it *Item, ir ItemResult, res classify.Result, msg string) ItemResult {
	ir.Code = res.Code
	msg = classify.Sanitize(msg)

	if it.RetryCount >= it.MaxRetries {
		_ = w.store.Fail(ctx, it.ID, string(res.Code), msg)
		ir.Status = StatusFailed
		ir.Message = res.UserMessage(it.RetryCount + 1)
		w.logger.Warn("retries exhausted", "item", it.ID, "code", string(res.Code))
		return ir
	}

	next := time.Now().Add(classify.Backoff(it.RetryCount))
	_ = w.store.Reschedule(ctx, it.ID, next, string(res.Code), msg)
	ir.Status = StatusPending
	ir.Message = msg
	return ir
}

// settleFail marks the item terminally failed.
func (w *Worker) settleFail(ctx context.Context, it *Item, ir ItemResult, res classify.Result, msg string) ItemResult {
	msg = classify.Sanitize(msg)
	_ = w.store.Fail(ctx, it.ID, string(res.Code), msg)
	ir.Code = res.Code
	ir.Status = StatusFailed
	ir.Message = msg
	w.logger.Warn("item failed", "item", it.ID, "code", string(res.Code), "msg", msg)
	return ir
}

func (w *Worker) persistReceipt(ctx context.Context, it *Item, sub order.Submission, p *profile.Profile, env *crypto.Envelope, regulatorID string) {
	r := &receipt.Receipt{
		TenantID:    it.TenantID,
		EntityID:    it.EntityID(),
		DeviceID:    sub.Device(),
		Environment: it.Environment,
		Previous:    env.Previous,
		Current:     env.Current,
		Hash:        env.Hash,
		QR:          receipt.BuildQR(w.cfg.BaseURL, it.EntityID(), sub.Device(), env.Current),
		PrintMode:   receipt.PrintPaper,
		RegulatorID: regulatorID,
		SoftwareID:  p.SoftwareID,
		SoftwareVer: p.SoftwareVersion,
		Timestamp:   sub.TransactionTime(),
	}
	if err := w.receipts.Persist(ctx, r); err != nil && !errors.Is(err, receipt.ErrAlreadyExists) {
		w.logger.Error("receipt persist failed", "item", it.ID, "err", err)
	}
}

// client returns a cached mTLS client for the profile's certificate.
func (w *Worker) client(p *profile.Profile, kp *crypto.Keypair) *regulator.Client {
	key := p.TenantID + "/" + p.DeviceID
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.clients[key]; ok {
		return c
	}
	opts := append([]regulator.ClientOption{regulator.WithTimeout(w.cfg.RequestTimeout)}, w.clientOpts...)
	c := regulator.NewClient(w.cfg.BaseURL, kp, opts...)
	w.clients[key] = c
	return c
}

func marshalPayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal payload: %w", err)
	}
	return b, nil
}
