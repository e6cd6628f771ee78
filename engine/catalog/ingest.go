package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/pkg/fn"
	"github.com/locus-labs/locus/pkg/natsutil"
)

const (
	// MaxRetries before a batch goes to the DLQ.
	MaxRetries = 3
	// RetryHeader carries the number of failed attempts so far.
	RetryHeader = "X-Retry-Count"
)

// Batch is the payload accepted on UpsertSubject.
type Batch struct {
	Providers []domain.ProviderRecord `json:"providers,omitempty"`
	Delete    []string                `json:"delete,omitempty"`
}

// Conn is the part of *nats.Conn the ingestor needs.
type Conn interface {
	natsutil.Publisher
	natsutil.Subscriber
}

// IngestDeps holds the ingestor's collaborators.
type IngestDeps struct {
	Writer Writer
	Conn   Conn
	Logger *slog.Logger
	Now    func() time.Time
}

// ErrEmptyBatch is returned when a batch carries nothing valid to apply.
var ErrEmptyBatch = errors.New("catalog: batch has no valid providers")

// dlqMessage is published to DLQSubject for batches that cannot be applied.
type dlqMessage struct {
	Batch   *Batch `json:"batch,omitempty"`
	Raw     string `json:"raw,omitempty"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// NewValidate drops providers that fail validation. A batch left with
// nothing to do fails permanently.
func NewValidate(log *slog.Logger) fn.Stage[Batch, Batch] {
	return func(_ context.Context, b Batch) fn.Result[Batch] {
		valid := fn.Filter(b.Providers, func(p domain.ProviderRecord) bool {
			if err := domain.ValidateProvider(p); err != nil {
				log.Warn("catalog: rejecting provider", "id", p.ID, "err", err)
				return false
			}
			return true
		})
		if len(valid) == 0 && len(b.Delete) == 0 {
			return fn.Err[Batch](fn.Permanent(ErrEmptyBatch))
		}
		b.Providers = fn.UniqueBy(valid, func(p domain.ProviderRecord) string { return p.ID })
		return fn.Ok(b)
	}
}

// NewStore applies a batch to w and reports what changed.
func NewStore(w Writer, now func() time.Time) fn.Stage[Batch, []Change] {
	return func(ctx context.Context, b Batch) fn.Result[[]Change] {
		var changes []Change
		if len(b.Providers) > 0 {
			if err := w.Upsert(ctx, b.Providers); err != nil {
				return fn.Err[[]Change](fmt.Errorf("upsert: %w", err))
			}
			changes = append(changes, Change{
				ProviderIDs: fn.Map(b.Providers, func(p domain.ProviderRecord) string { return p.ID }),
				At:          now(),
			})
		}
		if len(b.Delete) > 0 {
			if err := w.Delete(ctx, b.Delete); err != nil {
				return fn.Err[[]Change](fmt.Errorf("delete: %w", err))
			}
			changes = append(changes, Change{ProviderIDs: b.Delete, Deleted: true, At: now()})
		}
		return fn.Ok(changes)
	}
}

// NewAnnounce publishes each change on ChangedSubject. Publish failures are
// logged; the write already happened.
func NewAnnounce(nc natsutil.Publisher, log *slog.Logger) fn.Stage[[]Change, int] {
	return func(ctx context.Context, changes []Change) fn.Result[int] {
		n := 0
		for _, c := range changes {
			if err := natsutil.Publish(ctx, nc, ChangedSubject, c); err != nil {
				log.Error("catalog: announce failed", "err", err)
				continue
			}
			n += len(c.ProviderIDs)
		}
		return fn.Ok(n)
	}
}

// LoggedTap logs entry and exit of the named stage.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(_ context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline composes Validate, Store and Announce.
func NewPipeline(deps IngestDeps) fn.Stage[Batch, int] {
	log := deps.logger()
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	validated := fn.TracedStage("catalog.validate", fn.Then(LoggedTap[Batch]("validate", log), NewValidate(log)))
	stored := fn.Then(validated, fn.TracedStage("catalog.store", fn.Then(LoggedTap[Batch]("store", log), NewStore(deps.Writer, now))))
	return fn.Then(stored, fn.TracedStage("catalog.announce", NewAnnounce(deps.Conn, log)))
}

func (d IngestDeps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// StartIngest subscribes to UpsertSubject and runs each batch through the
// pipeline. Failed batches are republished with an incremented retry header
// until MaxRetries, then sent to DLQSubject. Malformed and permanently
// invalid batches go straight to the DLQ.
func StartIngest(deps IngestDeps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.logger()
	nc := deps.Conn
	return nc.Subscribe(UpsertSubject, func(msg *nats.Msg) {
		var b Batch
		if err := json.Unmarshal(msg.Data, &b); err != nil {
			log.Error("catalog: unmarshal failed", "err", err)
			deadLetter(nc, log, dlqMessage{Raw: string(msg.Data), Error: err.Error()})
			return
		}

		retries := retryCount(msg)
		ctx := natsutil.ContextFrom(msg)
		n, err := pipeline(ctx, b).Unwrap()
		if err == nil {
			log.Info("catalog: batch applied", "providers", n)
			return
		}

		retries++
		log.Error("catalog: batch failed", "err", err, "retry", retries)
		if fn.IsPermanent(err) || retries >= MaxRetries {
			deadLetter(nc, log, dlqMessage{Batch: &b, Error: err.Error(), Retries: retries})
			return
		}
		retry := nats.NewMsg(UpsertSubject)
		retry.Data = msg.Data
		retry.Header = nats.Header{}
		for k, v := range msg.Header {
			retry.Header[k] = v
		}
		retry.Header.Set(RetryHeader, strconv.Itoa(retries))
		if err := nc.PublishMsg(retry); err != nil {
			log.Error("catalog: retry publish failed", "err", err)
		}
	})
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil {
		return 0
	}
	return n
}

func deadLetter(nc natsutil.Publisher, log *slog.Logger, m dlqMessage) {
	data, _ := json.Marshal(m)
	if err := nc.PublishMsg(&nats.Msg{Subject: DLQSubject, Data: data}); err != nil {
		log.Error("catalog: DLQ publish failed", "err", err)
	}
}
