package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atelier-erp/atelier/internal/ledger"
	"github.com/atelier-erp/atelier/internal/observability"
	"github.com/atelier-erp/atelier/internal/shared"
	"github.com/atelier-erp/atelier/internal/stock"
)

// Store abstracts the production repository.
type Store interface {
	Insert(ctx context.Context, p Production) error
	Get(ctx context.Context, id uuid.UUID) (Production, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, note string, now time.Time) error
	AcquirePublishLock(ctx context.Context, id uuid.UUID, now time.Time) (Production, error)
	ReleasePublishLock(ctx context.Context, id uuid.UUID, now time.Time) error
	InsertItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id uuid.UUID) (Item, error)
	Close(ctx context.Context, id uuid.UUID, itemID uuid.UUID, breakdown []ledger.BatchPortion, now time.Time) error
}

// StockEngine is the slice of the stock service the orchestrator uses.
type StockEngine interface {
	Consume(ctx context.Context, input stock.ConsumeInput) (stock.ConsumptionResult, error)
	CreateBatch(ctx context.Context, input stock.CreateBatchInput) (uuid.UUID, error)
	AvailableQuantity(ctx context.Context, itemID uuid.UUID, itemType ledger.ItemType, scope ledger.Scope) (decimal.Decimal, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the production lifecycle and the publish workflow.
type Service struct {
	store   Store
	stock   StockEngine
	audit   AuditPort
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service. audit and metrics may be nil in tests.
func NewService(store Store, stockEngine StockEngine, audit AuditPort, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, stock: stockEngine, audit: audit, metrics: metrics, logger: logger, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// CreateInput describes a new production run.
type CreateInput struct {
	Name           string
	Scope          ledger.Scope
	Policy         stock.Policy
	Materials      []Material
	OutputQuantity decimal.Decimal
	ActorID        string
}

// Create registers a production in draft.
func (s *Service) Create(ctx context.Context, input CreateInput) (Production, error) {
	if input.Name == "" {
		return Production{}, errors.New("production: name required")
	}
	if len(input.Materials) == 0 {
		return Production{}, errors.New("production: at least one material required")
	}
	for _, m := range input.Materials {
		if m.ItemID == uuid.Nil || !m.Quantity.IsPositive() {
			return Production{}, errors.New("production: material requires item id and positive quantity")
		}
	}
	if !input.OutputQuantity.IsPositive() {
		return Production{}, errors.New("production: output quantity must be positive")
	}
	if !input.Policy.Valid() {
		return Production{}, stock.ErrInvalidPolicy
	}
	if _, err := ledger.NewScope(input.Scope.Kind, input.Scope.LocationID); err != nil {
		return Production{}, err
	}
	now := s.now().UTC()
	p := Production{
		ID:             uuid.New(),
		Name:           input.Name,
		Status:         StatusDraft,
		Scope:          input.Scope,
		Policy:         input.Policy,
		Materials:      input.Materials,
		OutputQuantity: input.OutputQuantity,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Insert(ctx, p); err != nil {
		return Production{}, err
	}
	s.recordAudit(ctx, input.ActorID, "production.create", p.ID, map[string]any{"name": p.Name})
	return p, nil
}

// Get returns one production with its history.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Production, error) {
	return s.store.Get(ctx, id)
}

var transitions = map[Status]map[Status]bool{
	StatusDraft:      {StatusInProgress: true, StatusCancelled: true},
	StatusInProgress: {StatusReady: true, StatusCancelled: true},
	StatusReady:      {StatusCancelled: true},
}

// Advance moves a production along its lifecycle. Publishing is not a
// transition here; it runs through Publish only.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, to Status, actorID string) error {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.IsClosed {
		return fmt.Errorf("production: %s is closed", id)
	}
	if !transitions[p.Status][to] {
		return fmt.Errorf("production: cannot move from %s to %s", p.Status, to)
	}
	if err := s.store.UpdateStatus(ctx, id, to, "", s.now().UTC()); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "production.advance", id, map[string]any{"from": string(p.Status), "to": string(to)})
	return nil
}

// Publish converts a ready production into a sellable item exactly once.
// The is_publishing flag is the only cross-step coordination: acquiring it
// is the linearization point, and any later failure releases it so a retry
// can run. A retry of an already published production is not an error; it
// returns the original outcome.
func (s *Service) Publish(ctx context.Context, id uuid.UUID, spec ItemSpec) (PublishResult, error) {
	now := s.now().UTC()
	p, err := s.store.AcquirePublishLock(ctx, id, now)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyPublishing):
			s.metrics.ObservePublish("already_publishing")
		case errors.Is(err, ErrInconsistentState):
			s.metrics.ObservePublish("inconsistent")
			s.logger.Error("production published without linked item", slog.String("production_id", id.String()))
		default:
			s.metrics.ObservePublish("error")
		}
		return PublishResult{}, err
	}

	if p.IsPublished {
		// Expected outcome of a retried call, not a failure.
		item, err := s.store.GetItem(ctx, p.PublishedItemID)
		if err != nil {
			s.metrics.ObservePublish("inconsistent")
			return PublishResult{}, errors.Join(ErrInconsistentState, err)
		}
		s.metrics.ObservePublish("already_published")
		return PublishResult{Production: p, Item: item, AlreadyPublished: true}, nil
	}

	result, err := s.publishLocked(ctx, p, spec, now)
	if err != nil {
		s.rollbackLock(ctx, p.ID, err)
		s.metrics.ObservePublish("error")
		return PublishResult{}, err
	}
	s.metrics.ObservePublish("published")
	return result, nil
}

// publishLocked runs steps 2-5 of the protocol with the lock held.
func (s *Service) publishLocked(ctx context.Context, p Production, spec ItemSpec, now time.Time) (PublishResult, error) {
	// Validation is advisory: reads are unlocked and may be stale. The
	// consuming transactions re-validate, so the real guarantee sits there.
	if err := s.validateMaterials(ctx, p); err != nil {
		return PublishResult{}, err
	}

	var (
		breakdown []ledger.BatchPortion
		totalCost = decimal.Zero
		consumed  []stock.ConsumptionResult
	)
	for _, material := range p.Materials {
		result, err := s.stock.Consume(ctx, stock.ConsumeInput{
			ItemID:       material.ItemID,
			ItemType:     ledger.ItemTypeMaterial,
			Scope:        p.Scope,
			Quantity:     material.Quantity,
			Policy:       p.Policy,
			Reason:       ledger.ReasonProduction,
			ProductionID: p.ID,
		})
		if err != nil {
			s.logPendingReversal(ctx, p.ID, consumed, err)
			return PublishResult{}, err
		}
		consumed = append(consumed, result)
		breakdown = append(breakdown, result.Portions...)
		totalCost = totalCost.Add(result.TotalCost)
	}

	item := Item{
		ID:            uuid.New(),
		Name:          spec.Name,
		ReferenceCode: spec.ReferenceCode,
		Images:        spec.Images,
		CostPrice:     totalCost.Div(p.OutputQuantity),
		SellingPrice:  spec.SellingPrice,
		CreatedAt:     now,
	}
	if item.Name == "" {
		item.Name = p.Name
	}
	if err := s.store.InsertItem(ctx, item); err != nil {
		s.logPendingReversal(ctx, p.ID, consumed, err)
		return PublishResult{}, err
	}
	if _, err := s.stock.CreateBatch(ctx, stock.CreateBatchInput{
		ItemID:   item.ID,
		ItemType: ledger.ItemTypeFinishedGood,
		Quantity: p.OutputQuantity,
		UnitCost: item.CostPrice,
		Scope:    p.Scope,
		Reason:   ledger.ReasonProduction,
	}); err != nil {
		s.logPendingReversal(ctx, p.ID, consumed, err)
		return PublishResult{}, err
	}

	if err := s.store.Close(ctx, p.ID, item.ID, breakdown, now); err != nil {
		s.logPendingReversal(ctx, p.ID, consumed, err)
		return PublishResult{}, err
	}

	p.Status = StatusClosed
	p.IsPublishing = false
	p.IsPublished = true
	p.IsClosed = true
	p.PublishedItemID = item.ID
	p.Breakdown = breakdown
	p.UpdatedAt = now

	s.recordAudit(ctx, "", "production.publish", p.ID, map[string]any{
		"item_id":    item.ID.String(),
		"total_cost": totalCost.String(),
		"materials":  len(p.Materials),
	})
	return PublishResult{Production: p, Item: item}, nil
}

// validateMaterials checks every requirement in parallel and reports the
// first deficient material.
func (s *Service) validateMaterials(ctx context.Context, p Production) error {
	g, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var deficient *InsufficientMaterialError
	for _, material := range p.Materials {
		g.Go(func() error {
			available, err := s.stock.AvailableQuantity(ctx, material.ItemID, ledger.ItemTypeMaterial, p.Scope)
			if err != nil {
				return err
			}
			if available.LessThan(material.Quantity) {
				mu.Lock()
				if deficient == nil {
					deficient = &InsufficientMaterialError{
						ProductionID: p.ID,
						ItemID:       material.ItemID,
						Required:     material.Quantity,
						Available:    available,
					}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if deficient != nil {
		return deficient
	}
	return nil
}

// rollbackLock resets only the mutual-exclusion flag so the publish can be
// retried. A rollback failure is logged, never allowed to mask the original
// error.
func (s *Service) rollbackLock(ctx context.Context, id uuid.UUID, cause error) {
	if err := s.store.ReleasePublishLock(ctx, id, s.now().UTC()); err != nil {
		s.logger.Error("publish rollback failed",
			slog.String("production_id", id.String()),
			slog.Any("rollback_error", err),
			slog.Any("original_error", cause))
	}
}

// logPendingReversal records materials that stay consumed after a failed
// publish. The orchestrator does not reverse committed consumption; the
// record lets an operator reconcile later.
func (s *Service) logPendingReversal(ctx context.Context, id uuid.UUID, consumed []stock.ConsumptionResult, cause error) {
	if len(consumed) == 0 {
		return
	}
	items := make([]string, 0, len(consumed))
	for _, c := range consumed {
		items = append(items, c.ItemID.String())
	}
	s.logger.Error("publish failed after consuming materials, manual reconciliation required",
		slog.String("production_id", id.String()),
		slog.Any("consumed_items", items),
		slog.Any("error", cause))
	s.recordAudit(ctx, "", "production.publish_pending_reversal", id, map[string]any{
		"consumed_items": items,
		"error":          cause.Error(),
	})
}

func (s *Service) recordAudit(ctx context.Context, actorID, action string, entityID uuid.UUID, changeset map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:   actorID,
		Action:    action,
		Entity:    "production",
		EntityID:  entityID.String(),
		Changeset: changeset,
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
