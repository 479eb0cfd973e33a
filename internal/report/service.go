package report

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkaraca/quizgate/internal/domain"
	"github.com/mkaraca/quizgate/internal/errors"
	"github.com/mkaraca/quizgate/internal/store"
)

type Config struct {
	Store *store.Store
}

// Service owns the moderation report list. Reports only ever change status;
// nothing here deletes them.
type Service struct {
	store *store.Store
}

func NewService(c Config) *Service {
	return &Service{store: c.Store}
}

type SubmitRequest struct {
	Sender  string
	Message string
}

// Submit files a new report in pending state, newest first.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domain.Report, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return domain.Report{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("report message is required"))
	}

	r := domain.Report{
		ID:        uuid.NewString(),
		Sender:    req.Sender,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
		Status:    domain.ReportPending,
	}

	reports, err := s.store.Reports(ctx)
	if err != nil {
		return domain.Report{}, err
	}
	if err := s.store.SaveReports(ctx, append([]domain.Report{r}, reports...)); err != nil {
		return domain.Report{}, err
	}

	slog.InfoContext(ctx, "report: submitted", "id", r.ID, "sender", r.Sender)
	return r, nil
}

// List returns every report, newest first.
func (s *Service) List(ctx context.Context) ([]domain.Report, error) {
	return s.store.Reports(ctx)
}

// UpdateStatus moves a report to resolved or archived.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.ReportStatus) (domain.Report, error) {
	if status != domain.ReportResolved && status != domain.ReportArchived {
		return domain.Report{}, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown report status %q", status))
	}

	reports, err := s.store.Reports(ctx)
	if err != nil {
		return domain.Report{}, err
	}
	for i := range reports {
		if reports[i].ID != id {
			continue
		}
		reports[i].Status = status
		if err := s.store.SaveReports(ctx, reports); err != nil {
			return domain.Report{}, err
		}
		return reports[i], nil
	}
	return domain.Report{}, errors.New(errors.CodeNotFound, errors.WithMessagef("report %q not found", id))
}
