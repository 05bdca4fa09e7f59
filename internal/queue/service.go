package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/queuectl/internal/domain"
	"github.com/SirClappington/queuectl/internal/logging"
	"github.com/SirClappington/queuectl/internal/storage"
)

// EnqueueRequest is the only accepted shape for new jobs.
type EnqueueRequest struct {
	ID         string     `json:"id,omitempty" validate:"omitempty,max=128,printascii"`
	Command    string     `json:"command" validate:"required,max=8192"`
	MaxRetries *int       `json:"max_retries,omitempty" validate:"omitempty,min=0,max=1000"`
	RunAt      *time.Time `json:"run_at,omitempty"`
}

// DecodeEnqueueRequest reads exactly one JSON object with no unknown fields.
func DecodeEnqueueRequest(r io.Reader) (EnqueueRequest, error) {
	var req EnqueueRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return EnqueueRequest{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if dec.More() {
		return EnqueueRequest{}, fmt.Errorf("%w: trailing data after JSON object", domain.ErrInvalidInput)
	}
	return req, nil
}

// Service exposes the queue operations used by the CLI and the HTTP API.
type Service struct {
	store    storage.Store
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

func NewService(store storage.Store, log *zap.Logger) *Service {
	return &Service{
		store:    store,
		validate: validator.New(),
		log:      logging.OrNop(log).Named("service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Job, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	now := s.now()
	j := &domain.Job{
		ID:         req.ID,
		Command:    req.Command,
		State:      domain.Pending,
		MaxRetries: req.MaxRetries,
		RunAt:      now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if req.RunAt != nil {
		j.RunAt = req.RunAt.UTC()
	}
	if err := s.store.Insert(ctx, j); err != nil {
		return nil, err
	}
	s.log.Info("job enqueued", zap.String("job_id", j.ID), zap.Time("run_at", j.RunAt))
	return j, nil
}

// Status counts jobs per state; every state is present, zero or not.
func (s *Service) Status(ctx context.Context) (map[domain.State]int, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.State]int, len(domain.States))
	for _, st := range domain.States {
		out[st] = counts[st]
	}
	return out, nil
}

// List returns jobs in creation order, optionally restricted to one state.
func (s *Service) List(ctx context.Context, state *domain.State) ([]domain.Job, error) {
	return s.store.FindMany(ctx, domain.Filter{State: state, OrderBy: domain.OrderCreated})
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) DLQList(ctx context.Context) ([]domain.Job, error) {
	return DeadLetters(ctx, s.store)
}

func (s *Service) DLQReplay(ctx context.Context, id string) (*domain.Job, error) {
	j, err := Replay(ctx, s.store, id, s.now())
	if err != nil {
		return nil, err
	}
	s.log.Info("job replayed from dead letter queue", zap.String("job_id", id))
	return j, nil
}

func (s *Service) validateRequest(req EnqueueRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return &domain.ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			}
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if strings.TrimSpace(req.Command) == "" {
		return &domain.ValidationError{Field: "Command", Message: "must not be blank"}
	}
	return nil
}
