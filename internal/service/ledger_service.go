package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mmynk/cashflow/internal/auth"
	"github.com/mmynk/cashflow/internal/calculator"
	"github.com/mmynk/cashflow/internal/coordinator"
	"github.com/mmynk/cashflow/internal/ledger"
	"github.com/mmynk/cashflow/internal/middleware"
	"github.com/mmynk/cashflow/internal/session"
)

// LedgerService implements the Connect LedgerService. Writes go through the
// ledger; reads come from the caller's sync coordinator.
type LedgerService struct {
	ledger      *ledger.Service
	sessions    *session.Registry
	monthCount  int
	waitTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// LedgerOption configures a LedgerService.
type LedgerOption func(*LedgerService)

// WithMonthCount sets the default number of months in GetReport.
func WithMonthCount(n int) LedgerOption {
	return func(s *LedgerService) {
		if n > 0 {
			s.monthCount = n
		}
	}
}

// WithWaitTimeout bounds how long reads wait for the first view.
func WithWaitTimeout(d time.Duration) LedgerOption {
	return func(s *LedgerService) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// WithLedgerLogger sets the logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(s *LedgerService) { s.logger = logger }
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(l *ledger.Service, sessions *session.Registry, opts ...LedgerOption) *LedgerService {
	s := &LedgerService{
		ledger:      l,
		sessions:    sessions,
		monthCount:  calculator.DefaultMonthCount,
		waitTimeout: coordinator.DefaultFetchTimeout,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func identity(ctx context.Context) (string, error) {
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		return "", connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
	}
	return userID, nil
}

func respond(m map[string]any) (*connect.Response[structpb.Struct], error) {
	msg, err := toStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// CreatePerson stores a new person.
func (s *LedgerService) CreatePerson(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	p, err := s.ledger.CreatePerson(ctx, id, personInput(req.Msg))
	if err != nil {
		s.logger.Warn("CreatePerson failed", "user_id", id, "error", err)
		return nil, connectError(err)
	}

	s.logger.Info("Person created", "user_id", id, "person_id", p.ID)
	return respond(map[string]any{"person": personMap(p)})
}

// UpdatePerson renames a person or changes its notes.
func (s *LedgerService) UpdatePerson(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	personID := stringField(req.Msg, "id")
	if err := s.ledger.UpdatePerson(ctx, id, personID, personInput(req.Msg)); err != nil {
		s.logger.Warn("UpdatePerson failed", "user_id", id, "person_id", personID, "error", err)
		return nil, connectError(err)
	}
	return respond(map[string]any{})
}

// DeletePerson deletes a person and its transactions.
func (s *LedgerService) DeletePerson(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	personID := stringField(req.Msg, "id")
	removed, err := s.ledger.DeletePerson(ctx, id, personID)
	if err != nil {
		s.logger.Error("DeletePerson failed",
			"user_id", id,
			"person_id", personID,
			"removed_transactions", removed,
			"error", err,
		)
		return nil, connectError(err)
	}
	return respond(map[string]any{"removedTransactions": removed})
}

// CreateTransaction stores a new transaction.
func (s *LedgerService) CreateTransaction(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	t, err := s.ledger.CreateTransaction(ctx, id, transactionInput(req.Msg))
	if err != nil {
		s.logger.Warn("CreateTransaction failed", "user_id", id, "error", err)
		return nil, connectError(err)
	}

	s.logger.Info("Transaction created", "user_id", id, "transaction_id", t.ID, "type", t.Type)
	return respond(map[string]any{"transaction": transactionMap(t)})
}

// UpdateTransaction replaces a transaction's fields.
func (s *LedgerService) UpdateTransaction(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	txID := stringField(req.Msg, "id")
	t, err := s.ledger.UpdateTransaction(ctx, id, txID, transactionInput(req.Msg))
	if err != nil {
		s.logger.Warn("UpdateTransaction failed", "user_id", id, "transaction_id", txID, "error", err)
		return nil, connectError(err)
	}
	return respond(map[string]any{"transaction": transactionMap(t)})
}

// DeleteTransaction deletes one transaction.
func (s *LedgerService) DeleteTransaction(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	txID := stringField(req.Msg, "id")
	if err := s.ledger.DeleteTransaction(ctx, id, txID); err != nil {
		s.logger.Warn("DeleteTransaction failed", "user_id", id, "transaction_id", txID, "error", err)
		return nil, connectError(err)
	}
	return respond(map[string]any{})
}

// awaitView starts the caller's coordinator if needed and waits for its
// first view. A sync failure is not an RPC error: it is reported in the
// returned update, together with the last good view if there is one.
func (s *LedgerService) awaitView(ctx context.Context) (coordinator.Update, error) {
	id, err := identity(ctx)
	if err != nil {
		return coordinator.Update{}, err
	}
	c, err := s.sessions.Acquire(ctx, id)
	if err != nil {
		return coordinator.Update{}, connectError(err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	v, err := c.Wait(waitCtx)
	if err == nil {
		return coordinator.Update{State: coordinator.StateReady, View: &v}, nil
	}

	var serr *coordinator.SyncError
	if !errors.As(err, &serr) {
		return coordinator.Update{}, connectError(err)
	}
	u := coordinator.Update{State: coordinator.StateError, Err: serr}
	if last, ok := c.View(); ok {
		u.View = &last
	}
	return u, nil
}

// GetView returns the caller's derived view, waiting for the first one if
// the coordinator is still loading.
func (s *LedgerService) GetView(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	u, err := s.awaitView(ctx)
	if err != nil {
		return nil, err
	}
	return respond(viewMap(u.State, u.Err, u.View))
}

// GetReport returns the monthly and category breakdowns of the caller's
// transactions. The optional "monthCount" field overrides the default window.
func (s *LedgerService) GetReport(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	u, err := s.awaitView(ctx)
	if err != nil {
		return nil, err
	}
	if u.View == nil {
		return nil, connect.NewError(connect.CodeUnavailable, u.Err)
	}
	v := u.View

	monthCount := intField(req.Msg, "monthCount")
	if monthCount <= 0 {
		monthCount = s.monthCount
	}
	months := calculator.ComputeMonthlyBreakdown(v.Transactions, monthCount, s.now())
	categories := calculator.ComputeCategoryBreakdown(v.Transactions)
	return respond(reportMap(months, categories))
}

// Refresh re-subscribes the caller's coordinator. It is how a client
// recovers from the error state.
func (s *LedgerService) Refresh(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.sessions.Acquire(ctx, id)
	if err != nil {
		return nil, connectError(err)
	}
	if err := c.Refresh(ctx); err != nil {
		var serr *coordinator.SyncError
		if !errors.As(err, &serr) {
			return nil, connectError(err)
		}
	}

	u := c.Current()
	s.logger.Info("Sync refreshed", "user_id", id, "state", u.State)
	return respond(viewMap(u.State, u.Err, nil))
}

// WatchView streams the caller's sync state and every view published for
// it until the client goes away or the caller logs out.
func (s *LedgerService) WatchView(ctx context.Context, req *connect.Request[structpb.Struct], stream *connect.ServerStream[structpb.Struct]) error {
	id, err := identity(ctx)
	if err != nil {
		return err
	}
	c, err := s.sessions.Acquire(ctx, id)
	if err != nil {
		return connectError(err)
	}

	for u := range c.Watch(ctx) {
		msg, err := toStruct(viewMap(u.State, u.Err, u.View))
		if err != nil {
			return connect.NewError(connect.CodeInternal, err)
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
	return nil
}
