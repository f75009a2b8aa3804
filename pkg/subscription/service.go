package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Canceller cancels a subscription at the payment provider.
type Canceller interface {
	CancelSubscription(ctx context.Context, providerSubscriptionID string) error
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Storage    Storage
	Reconciler *Reconciler

	// Cancellers are keyed by provider name.
	Cancellers map[string]Canceller

	// OnTransition is called after a user-initiated change commits.
	OnTransition func(ctx context.Context, tr *Transition)

	Logger Logger
	Clock  func() time.Time
}

// Service answers entitlement questions for the application and performs
// user-initiated changes.
type Service struct {
	storage      Storage
	reconciler   *Reconciler
	cancellers   map[string]Canceller
	onTransition func(ctx context.Context, tr *Transition)
	logger       Logger
	now          func() time.Time
}

// StatusView is a user's entitlement as seen by the application.
type StatusView struct {
	UserID       string            `json:"user_id"`
	State        State             `json:"state"`
	IsPremium    bool              `json:"is_premium"`
	IsActive     bool              `json:"is_active"`
	Package      *Package          `json:"package"`
	Limits       Limits            `json:"limits"`
	Subscription *UserSubscription `json:"-"`
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	s := &Service{
		storage:      cfg.Storage,
		reconciler:   cfg.Reconciler,
		cancellers:   cfg.Cancellers,
		onTransition: cfg.OnTransition,
		logger:       cfg.Logger,
		now:          cfg.Clock,
	}
	if s.cancellers == nil {
		s.cancellers = make(map[string]Canceller)
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// EnsureSubscription gives a user without a row the Basic package.
func (s *Service) EnsureSubscription(ctx context.Context, userID string) (*UserSubscription, error) {
	var sub *UserSubscription
	var created bool
	err := s.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		sub, created, err = s.reconciler.EnsureBasic(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("created basic subscription", Field{Key: "user_id", Value: userID})
	}
	return sub, nil
}

// Status returns the user's entitlement, creating the Basic row when missing.
func (s *Service) Status(ctx context.Context, userID string) (*StatusView, error) {
	sub, err := s.storage.GetSubscriptionByUser(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		sub, err = s.EnsureSubscription(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	pkg, err := s.reconciler.Resolver().Package(ctx, sub.PackageID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	view := &StatusView{
		UserID:       userID,
		State:        StateOf(sub, pkg),
		IsPremium:    sub.IsPremium(pkg, now),
		IsActive:     sub.IsActive(pkg, now),
		Package:      pkg,
		Subscription: sub,
	}

	effective := pkg
	if !view.IsActive && !pkg.IsBasic() {
		// An expired or past-due premium row grants Basic limits.
		basic, err := s.reconciler.Resolver().Basic(ctx)
		if err != nil {
			return nil, err
		}
		effective = basic
	}
	view.Limits = effective.Limits
	if view.Limits == (Limits{}) {
		view.Limits = DefaultLimits()
	}
	return view, nil
}

// Limits returns the limits currently granted to the user.
func (s *Service) Limits(ctx context.Context, userID string) (Limits, error) {
	view, err := s.Status(ctx, userID)
	if err != nil {
		return Limits{}, err
	}
	return view.Limits, nil
}

// CheckLimit returns the user's limit for resource, or ErrLimitExceeded when
// current usage already reaches it.
func (s *Service) CheckLimit(ctx context.Context, userID string, resource Resource, current int) (int, error) {
	limits, err := s.Limits(ctx, userID)
	if err != nil {
		return 0, err
	}
	limit := limits.For(resource)
	if limit < 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	if current >= limit {
		return limit, fmt.Errorf("%w: %s %d/%d", ErrLimitExceeded, resource, current, limit)
	}
	return limit, nil
}

// Plans returns the purchasable premium packages, cheapest first.
func (s *Service) Plans(ctx context.Context) ([]*Package, error) {
	all, err := s.storage.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	plans := make([]*Package, 0, len(all))
	for _, p := range all {
		if p.Active && p.Premium && p.ProviderProductID != "" {
			plans = append(plans, p)
		}
	}
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].Price < plans[j].Price })
	return plans, nil
}

// Cancel cancels the user's paid subscription at the provider and downgrades
// the row to Basic in the same transaction.
func (s *Service) Cancel(ctx context.Context, userID string) (*Transition, error) {
	var tr *Transition
	err := s.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		sub, err := tx.LockSubscription(ctx, userID)
		if err != nil {
			return err
		}
		pkg, err := s.reconciler.Resolver().Package(ctx, sub.PackageID)
		if err != nil {
			return err
		}
		if pkg.IsBasic() || sub.ProviderSubscriptionID == "" {
			return ErrAlreadyBasic
		}

		canceller, ok := s.cancellers[sub.Provider]
		if !ok || canceller == nil {
			return fmt.Errorf("no canceller configured for provider %q", sub.Provider)
		}
		if err := canceller.CancelSubscription(ctx, sub.ProviderSubscriptionID); err != nil {
			if errors.Is(err, ErrProviderTransient) {
				return err
			}
			return fmt.Errorf("%w: cancel %s: %v", ErrProviderTransient, sub.ProviderSubscriptionID, err)
		}

		tr, err = s.reconciler.Downgrade(ctx, tx, userID, ReasonUserCancelled)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.onTransition != nil {
		s.onTransition(ctx, tr)
	}
	return tr, nil
}
