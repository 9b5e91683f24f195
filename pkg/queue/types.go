// Package queue implements the durable, at-least-once submission pipeline:
// orders and closings are enqueued with an idempotency key, claimed in
// batches, signed, posted to the regulator, and retried with exponential
// backoff under per-tenant circuit breakers.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maisonpos/fiscalcore/pkg/order"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Operation distinguishes the two submission kinds.
type Operation string

const (
	OpTransaction Operation = "transaction"
	OpClosing     Operation = "closing"
)

const (
	// MaxRetries is the default retry budget before an item fails
	// terminally.
	MaxRetries = 10

	// DefaultBatchLimit is how many eligible items one consume pass claims.
	DefaultBatchLimit = 20

	// MaxBatchLimit caps operator-supplied batch sizes.
	MaxBatchLimit = 100

	// Concurrency bounds in-flight submissions within one consume pass.
	Concurrency = 5
)

var (
	// ErrAlreadyQueued indicates an enqueue collided on the idempotency key.
	ErrAlreadyQueued = errors.New("queue: item already queued")

	// ErrNotClaimed indicates a claim lost the conditional update race.
	ErrNotClaimed = errors.New("queue: item not claimed")
)

// Item is one durable submission unit. Exactly one of OrderID / ClosingID is
// set; Payload holds the serialized snapshot or closing.
type Item struct {
	ID             string
	TenantID       string
	BranchID       string
	DeviceID       string
	Environment    string
	Operation      Operation
	OrderID        string
	ClosingID      string
	IdempotencyKey string
	Payload        []byte
	Status         Status
	RetryCount     int
	MaxRetries     int
	NextAttemptAt  time.Time
	LastError      string
	LastErrorCode  string
	RegulatorID    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    time.Time
}

// EntityID returns whichever of the two ids is set.
func (it *Item) EntityID() string {
	if it.OrderID != "" {
		return it.OrderID
	}
	return it.ClosingID
}

// Submission deserializes the payload back into its typed form.
func (it *Item) Submission() (order.Submission, error) {
	switch it.Operation {
	case OpTransaction:
		var snap order.Snapshot
		if err := json.Unmarshal(it.Payload, &snap); err != nil {
			return nil, fmt.Errorf("queue: decode snapshot: %w", err)
		}
		return &snap, nil
	case OpClosing:
		var cl order.Closing
		if err := json.Unmarshal(it.Payload, &cl); err != nil {
			return nil, fmt.Errorf("queue: decode closing: %w", err)
		}
		return &cl, nil
	}
	return nil, fmt.Errorf("queue: unknown operation %q", it.Operation)
}

// IdempotencyKey derives the deduplication key for a submission:
// sha256(env|tenant|entity|txTime|currentSignature|totalCents) in hex.
// currentSig is empty at enqueue time; the key is stable across retries
// because it is computed once and persisted with the item.
func IdempotencyKey(env, tenantID, entityID string, txTime time.Time, currentSig string, totalCents int64) string {
	parts := strings.Join([]string{
		env,
		tenantID,
		entityID,
		txTime.UTC().Format(time.RFC3339),
		currentSig,
		strconv.FormatInt(totalCents, 10),
	}, "|")
	sum := sha256.Sum256([]byte(parts))
	return hex.EncodeToString(sum[:])
}

// Counts is a per-status tally for operator visibility.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
