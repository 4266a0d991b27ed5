package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/logger"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

// MailingStatus is the status-endpoint view and the cache snapshot: the
// mailing's own fields plus the per-status entry breakdown.
type MailingStatus struct {
	MailingID      uuid.UUID            `json:"mailingId"`
	Filename       string               `json:"filename"`
	Status         domain.MailingStatus `json:"status"`
	TotalLines     int                  `json:"totalLines"`
	ProcessedLines int                  `json:"processedLines"`
	Attempts       int                  `json:"attempts"`
	LastAttempt    *time.Time           `json:"lastAttempt,omitempty"`
	ErrorMessage   *string              `json:"errorMessage,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
	Counts         domain.EntryCounts   `json:"counts"`
}

// EntryView is one row of the entries listing. The verification token stays
// internal.
type EntryView struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttempt   *time.Time `json:"lastAttempt,omitempty"`
	ExternalID    *string    `json:"externalId,omitempty"`
	InvalidReason *string    `json:"invalidReason,omitempty"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// EntryPage wraps a listing with the normalized pagination actually used.
type EntryPage struct {
	Entries []EntryView `json:"entries"`
	Page    int         `json:"page"`
	PerPage int         `json:"perPage"`
}

// Status serves the read side: mailing progress with counts, and the
// paginated entry listing.
type Status struct {
	mailings domain.MailingRepository
	entries  domain.EntryRepository
	cache    *StatusCache
	log      zerolog.Logger
}

func NewStatus(mailings domain.MailingRepository, entries domain.EntryRepository, cache *StatusCache) *Status {
	return &Status{
		mailings: mailings,
		entries:  entries,
		cache:    cache,
		log:      logger.Component("status"),
	}
}

// Get returns the snapshot for one mailing, from the cache when a fresh
// one exists.
func (s *Status) Get(ctx context.Context, id uuid.UUID) (*MailingStatus, error) {
	if snap, ok := s.cache.Get(ctx, id); ok {
		return snap, nil
	}

	m, err := s.mailings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.entries.CountByStatus(ctx, id)
	if err != nil {
		return nil, err
	}

	snap := &MailingStatus{
		MailingID:      m.ID,
		Filename:       m.Filename,
		Status:         m.Status,
		TotalLines:     m.TotalLines,
		ProcessedLines: m.ProcessedLines,
		Attempts:       m.Attempts,
		LastAttempt:    m.LastAttempt,
		ErrorMessage:   m.ErrorMessage,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		Counts:         counts,
	}
	s.cache.Put(ctx, id, snap)
	return snap, nil
}

// Entries lists recipient rows for a mailing, optionally filtered by
// status. Pagination is normalized: page floors at 1, perPage defaults to
// 50 and caps at 200.
func (s *Status) Entries(ctx context.Context, id uuid.UUID, status *domain.EntryStatus, page, perPage int) (*EntryPage, error) {
	if _, err := s.mailings.GetByID(ctx, id); err != nil {
		return nil, err
	}

	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	rows, err := s.entries.ListByMailing(ctx, id, status, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}

	views := make([]EntryView, 0, len(rows))
	for _, e := range rows {
		v := EntryView{
			ID:           e.ID,
			Email:        e.Email,
			Status:       string(e.Status),
			Attempts:     e.Attempts,
			LastAttempt:  e.LastAttempt,
			ExternalID:   e.ExternalID,
			ErrorMessage: e.ErrorMessage,
			CreatedAt:    e.CreatedAt,
			UpdatedAt:    e.UpdatedAt,
		}
		if e.InvalidReason != nil {
			r := string(*e.InvalidReason)
			v.InvalidReason = &r
		}
		views = append(views, v)
	}

	return &EntryPage{Entries: views, Page: page, PerPage: perPage}, nil
}
