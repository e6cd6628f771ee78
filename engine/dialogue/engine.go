// Package dialogue runs the ordering conversation: it fills the item,
// variant and quantity slots of a request one turn at a time, then locates
// the user and matches providers. Turns of one session are processed in
// order; a reset cancels any search still running for that session and its
// result is discarded when it returns.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/locus-labs/locus/engine/domain"
	"github.com/locus-labs/locus/engine/match"
	"github.com/locus-labs/locus/pkg/intentnlp"
	"github.com/locus-labs/locus/pkg/metrics"
)

// Locator produces the user's position. *position.Acquirer satisfies it.
type Locator interface {
	Acquire(ctx context.Context) (domain.PositionReading, error)
}

// Matcher finds providers. *match.Service satisfies it.
type Matcher interface {
	FindNearby(ctx context.Context, target domain.Coordinate, q match.Query) ([]domain.MatchResult, error)
	ListUnfiltered(ctx context.Context, q match.Query) ([]domain.MatchResult, error)
}

// Reply is the engine's answer to one turn.
type Reply struct {
	RequestID   string               `json:"request_id,omitempty"`
	Reply       string               `json:"reply"`
	Suggestions []string             `json:"suggestions"`
	Status      domain.Status        `json:"status"`
	Results     []domain.MatchResult `json:"results,omitempty"`
	Unfiltered  bool                 `json:"unfiltered"`
}

// errStale reports that a session was reset while a turn was in flight.
var errStale = errors.New("dialogue: session moved on")

// session serializes turns and guards the epoch. Every store write for the
// session happens under mu after checking that the epoch the turn started
// with is still current.
type session struct {
	turn   sync.Mutex
	mu     sync.Mutex
	epoch  uint64
	cancel context.CancelFunc
	refs   int
}

// Engine is safe for concurrent use across sessions.
type Engine struct {
	store     Store
	locator   Locator
	matcher   Matcher
	extractor *intentnlp.Extractor
	events    EventPublisher
	log       *slog.Logger
	now       func() time.Time
	newID     func() string

	reg *metrics.Registry

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the request store. The default is a MemoryStore.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithExtractor sets the item vocabulary.
func WithExtractor(x *intentnlp.Extractor) Option { return func(e *Engine) { e.extractor = x } }

// WithEvents sets where completed requests are announced.
func WithEvents(p EventPublisher) Option { return func(e *Engine) { e.events = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithMetrics records turn and search counters in reg.
func WithMetrics(reg *metrics.Registry) Option { return func(e *Engine) { e.reg = reg } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDs overrides request id generation.
func WithIDs(newID func() string) Option { return func(e *Engine) { e.newID = newID } }

// New creates an Engine.
func New(locator Locator, matcher Matcher, opts ...Option) *Engine {
	e := &Engine{
		store:     NewMemoryStore(),
		locator:   locator,
		matcher:   matcher,
		extractor: intentnlp.NewExtractor(nil),
		events:    discardEvents{},
		log:       slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		sessions:  make(map[string]*session),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) acquire(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		s = &session{}
		e.sessions[id] = s
	}
	s.refs++
	e.gauge()
	return s
}

func (e *Engine) release(id string, s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(e.sessions, id)
	}
	e.gauge()
}

// gauge must hold e.mu.
func (e *Engine) gauge() {
	if e.reg != nil {
		e.reg.Gauge("dialogue_active_sessions", "Sessions with a turn or reset in progress.").Set(int64(len(e.sessions)))
	}
}

// History returns every request of the session, oldest first.
func (e *Engine) History(ctx context.Context, sessionID string) ([]domain.DialogueRequest, error) {
	return e.store.History(ctx, sessionID)
}

// ResetSession cancels the session's live request, if any, and abandons any
// search still running for it. It does not wait for the running turn.
func (e *Engine) ResetSession(ctx context.Context, sessionID string) error {
	s := e.acquire(sessionID)
	defer e.release(sessionID, s)
	_, err := e.cancelLive(ctx, sessionID, s)
	return err
}

// cancelLive bumps the epoch, stops an outstanding search and marks the
// live request cancelled. It reports the cancelled request, if there was one.
func (e *Engine) cancelLive(ctx context.Context, sessionID string, s *session) (*domain.DialogueRequest, error) {
	s.mu.Lock()
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	req, err := e.store.Latest(ctx, sessionID)
	if errors.Is(err, domain.ErrRequestNotFound) || (err == nil && req.Status.Terminal()) {
		s.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	req.Status = domain.StatusCancelled
	req.UpdatedAt = e.now()
	err = e.store.Save(ctx, req)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.log.Info("dialogue: request cancelled", "session", sessionID, "request", req.ID)
	e.announce(ctx, req)
	return &req, nil
}

// commit saves req if the session has not been reset since epoch.
func (e *Engine) commit(ctx context.Context, s *session, epoch uint64, req domain.DialogueRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return errStale
	}
	req.UpdatedAt = e.now()
	return e.store.Save(ctx, req)
}

// SubmitUtterance processes one user turn. Turns of a session run one at a
// time in arrival order. Unparseable input is answered with a re-prompt,
// never an error; errors are store failures or the caller's ctx ending.
// A cancel does not wait for the turn in flight: it marks the live request
// cancelled at once and the running search's result is dropped.
func (e *Engine) SubmitUtterance(ctx context.Context, sessionID, text string) (Reply, error) {
	s := e.acquire(sessionID)
	defer e.release(sessionID, s)

	if intentnlp.IsCancel(text) {
		reply, err := e.cancelTurn(ctx, sessionID, s)
		e.countTurn(reply.Status, err)
		return reply, err
	}

	s.turn.Lock()
	defer s.turn.Unlock()

	reply, err := e.turn(ctx, sessionID, s, text)
	if errors.Is(err, errStale) {
		reply, err = Reply{Reply: replyCancelled, Status: domain.StatusCancelled, Suggestions: e.itemSuggestions()}, nil
	}
	e.countTurn(reply.Status, err)
	return reply, err
}

func (e *Engine) cancelTurn(ctx context.Context, sessionID string, s *session) (Reply, error) {
	cancelled, err := e.cancelLive(ctx, sessionID, s)
	if err != nil {
		return Reply{}, err
	}
	if cancelled == nil {
		return Reply{Reply: replyNothingToCancel, Status: domain.StatusIdle, Suggestions: e.itemSuggestions()}, nil
	}
	return Reply{RequestID: cancelled.ID, Reply: replyCancelled, Status: domain.StatusCancelled, Suggestions: e.itemSuggestions()}, nil
}

func (e *Engine) turn(ctx context.Context, sessionID string, s *session, text string) (Reply, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	latest, err := e.store.Latest(ctx, sessionID)
	found := err == nil
	if err != nil && !errors.Is(err, domain.ErrRequestNotFound) {
		return Reply{}, err
	}
	live := found && !latest.Status.Terminal()

	if !live {
		if item, ok := e.extractor.ExtractItem(text); ok {
			return e.start(ctx, sessionID, s, epoch, item)
		}
		if found && intentnlp.IsShowAll(text) {
			return e.showAll(ctx, latest)
		}
		return Reply{Reply: replyAskItem, Status: domain.StatusIdle, Suggestions: e.itemSuggestions()}, nil
	}

	switch latest.Status {
	case domain.StatusCollectingVariant:
		return e.fillVariant(ctx, s, epoch, latest, text)
	case domain.StatusCollectingQuantity:
		return e.fillQuantity(ctx, s, epoch, latest, text)
	case domain.StatusSearching:
		e.log.Debug("dialogue: retrying search", "request", latest.ID, "asked", intentnlp.IsRetry(text))
		return e.search(ctx, s, epoch, latest)
	}
	return Reply{}, fmt.Errorf("dialogue: request %s in unexpected status %q", latest.ID, latest.Status)
}

// start creates a fresh request for item and asks for the variant. Only the
// item slot is filled, whatever else the utterance mentions.
func (e *Engine) start(ctx context.Context, sessionID string, s *session, epoch uint64, item string) (Reply, error) {
	now := e.now()
	req := domain.DialogueRequest{
		ID:        e.newID(),
		SessionID: sessionID,
		ItemName:  item,
		Status:    domain.StatusCollectingVariant,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.commit(ctx, s, epoch, req); err != nil {
		return Reply{}, err
	}
	e.log.Info("dialogue: request started", "session", sessionID, "request", req.ID, "item", item)
	return Reply{RequestID: req.ID, Reply: askVariant(item), Status: req.Status, Suggestions: variantSuggestions}, nil
}

func (e *Engine) fillVariant(ctx context.Context, s *session, epoch uint64, req domain.DialogueRequest, text string) (Reply, error) {
	v, err := intentnlp.ClassifyVariant(text)
	if err != nil {
		msg := reaskVariant(req.ItemName)
		if errors.Is(err, intentnlp.ErrAmbiguousVariant) {
			msg = replyAmbiguousVariant
		}
		e.log.Debug("dialogue: variant not understood", "request", req.ID, "err", fmt.Errorf("%w: %w", domain.ErrInvalidSlotInput, err))
		return Reply{RequestID: req.ID, Reply: msg, Status: req.Status, Suggestions: variantSuggestions}, nil
	}
	req.Variant = domain.Variant(v)
	req.Status = domain.StatusCollectingQuantity
	if err := e.commit(ctx, s, epoch, req); err != nil {
		return Reply{}, err
	}
	return Reply{RequestID: req.ID, Reply: askQuantity(req), Status: req.Status, Suggestions: quantitySuggestions}, nil
}

func (e *Engine) fillQuantity(ctx context.Context, s *session, epoch uint64, req domain.DialogueRequest, text string) (Reply, error) {
	n, err := intentnlp.ParseQuantity(text)
	if err != nil {
		msg := replyAskQuantityAgain
		if errors.Is(err, intentnlp.ErrQuantityRange) {
			msg = replyQuantityRange
		}
		e.log.Debug("dialogue: quantity not understood", "request", req.ID, "err", fmt.Errorf("%w: %w", domain.ErrInvalidSlotInput, err))
		return Reply{RequestID: req.ID, Reply: msg, Status: req.Status, Suggestions: quantitySuggestions}, nil
	}
	req.Quantity = &n
	req.Status = domain.StatusSearching
	if err := e.commit(ctx, s, epoch, req); err != nil {
		return Reply{}, err
	}
	return e.search(ctx, s, epoch, req)
}

// search locates the user and matches providers for a request in
// searching. A catalog failure leaves the request searching so the next
// turn retries it.
func (e *Engine) search(ctx context.Context, s *session, epoch uint64, req domain.DialogueRequest) (Reply, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return Reply{}, errStale
	}
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.epoch == epoch {
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	start := e.now()
	req.Attempts++
	q := match.Query{Item: req.ItemName, Variant: req.Variant}

	var results []domain.MatchResult
	reading, err := e.locator.Acquire(sctx)
	switch {
	case err == nil:
		c := reading.Coordinate
		req.UserPosition = &c
		req.Unfiltered = false
		results, err = e.matcher.FindNearby(sctx, c, q)
	case errors.Is(err, domain.ErrLocationUnavailable):
		e.log.Info("dialogue: location unavailable, listing unfiltered", "request", req.ID, "err", err)
		req.UserPosition = nil
		req.Unfiltered = true
		results, err = e.matcher.ListUnfiltered(sctx, q)
	}

	// A reset while we were away wins over whatever came back.
	s.mu.Lock()
	stale := s.epoch != epoch
	s.mu.Unlock()
	if stale {
		e.log.Info("dialogue: dropping stale search result", "request", req.ID)
		e.countSearch("stale", start)
		return Reply{}, errStale
	}
	if cerr := ctx.Err(); cerr != nil {
		return Reply{}, cerr
	}

	if err != nil {
		if !errors.Is(err, domain.ErrCatalogUnavailable) {
			return Reply{}, err
		}
		e.log.Warn("dialogue: catalog unavailable", "request", req.ID, "attempts", req.Attempts, "err", err)
		e.countSearch("catalog_unavailable", start)
		if err := e.commit(ctx, s, epoch, req); err != nil {
			return Reply{}, err
		}
		return Reply{RequestID: req.ID, Reply: replyCatalogDown, Status: req.Status, Suggestions: retrySuggestions}, nil
	}

	req.Results = results
	req.Status = domain.StatusFound
	if len(results) == 0 {
		req.Status = domain.StatusNoResults
	}
	if err := e.commit(ctx, s, epoch, req); err != nil {
		return Reply{}, err
	}
	e.countSearch(string(req.Status), start)
	e.log.Info("dialogue: search finished", "request", req.ID, "status", req.Status, "results", len(results), "unfiltered", req.Unfiltered)
	e.announce(ctx, req)

	reply := Reply{RequestID: req.ID, Reply: describeResults(req), Status: req.Status, Results: results, Unfiltered: req.Unfiltered}
	if req.Status == domain.StatusNoResults {
		reply.Suggestions = noResultSuggestions
	} else {
		reply.Suggestions = doneSuggestions
	}
	return reply, nil
}

// showAll answers a request for the full listing after a request finished.
// The stored request is left as it is.
func (e *Engine) showAll(ctx context.Context, last domain.DialogueRequest) (Reply, error) {
	q := match.Query{Item: last.ItemName, Variant: last.Variant}
	results, err := e.matcher.ListUnfiltered(ctx, q)
	if errors.Is(err, domain.ErrCatalogUnavailable) {
		return Reply{RequestID: last.ID, Reply: replyCatalogDown, Status: last.Status, Suggestions: noResultSuggestions}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	view := last
	view.Results = results
	view.Unfiltered = true
	return Reply{
		RequestID:   last.ID,
		Reply:       describeListing(view),
		Status:      last.Status,
		Results:     results,
		Unfiltered:  true,
		Suggestions: doneSuggestions,
	}, nil
}

func (e *Engine) announce(ctx context.Context, req domain.DialogueRequest) {
	if err := e.events.Publish(ctx, eventFor(req)); err != nil {
		e.log.Warn("dialogue: publish event failed", "request", req.ID, "err", err)
	}
}

func (e *Engine) itemSuggestions() []string {
	vocab := e.extractor.Vocabulary()
	sort.Strings(vocab)
	if len(vocab) > 3 {
		vocab = vocab[:3]
	}
	return vocab
}

func (e *Engine) countTurn(status domain.Status, err error) {
	if e.reg == nil {
		return
	}
	label := string(status)
	if err != nil {
		label = "error"
	}
	e.reg.Counter(metrics.WithLabels("dialogue_utterances_total", "status", label), "Utterances processed by resulting status.").Inc()
}

func (e *Engine) countSearch(outcome string, start time.Time) {
	if e.reg == nil {
		return
	}
	e.reg.Counter(metrics.WithLabels("dialogue_searches_total", "outcome", outcome), "Searches by outcome.").Inc()
	e.reg.Histogram("dialogue_search_seconds", "Time from entering searching to a result.", nil).Observe(e.now().Sub(start).Seconds())
}
