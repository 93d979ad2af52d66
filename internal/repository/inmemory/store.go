// Package inmemory is a map-backed persistence gateway with the same atomicity
// guarantees as the Postgres repositories. Every operation runs under one mutex.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/customeros/mailsync/internal/enum"
	mailsyncerrors "github.com/customeros/mailsync/internal/errors"
	"github.com/customeros/mailsync/internal/models"
	"github.com/customeros/mailsync/internal/repository"
	"github.com/customeros/mailsync/internal/utils"
)

type Store struct {
	mu             sync.Mutex
	now            func() time.Time
	configurations map[string]*models.MailboxConfiguration
	emails         map[string]*models.EmailInbox // keyed by userID + "\x00" + messageID
	requests       map[string]*models.SyncRequest

	// InsertCalls counts InsertIfAbsent invocations, successful or not.
	InsertCalls int
}

func NewStore() *Store {
	return &Store{
		now:            utils.Now,
		configurations: make(map[string]*models.MailboxConfiguration),
		emails:         make(map[string]*models.EmailInbox),
		requests:       make(map[string]*models.SyncRequest),
	}
}

// SetClock overrides the time source, for lease and retention tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Repositories exposes the store through the gateway bundle used by services.
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		MailboxConfigurationRepository: &configurationRepository{s},
		EmailInboxRepository:           &emailInboxRepository{s},
		SyncRequestRepository:          &syncRequestRepository{s},
	}
}

func (s *Store) Emails() []*models.EmailInbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.EmailInbox, 0, len(s.emails))
	for _, e := range s.emails {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConfigurationID != out[j].ConfigurationID {
			return out[i].ConfigurationID < out[j].ConfigurationID
		}
		return out[i].UID < out[j].UID
	})
	return out
}

func (s *Store) Configuration(id string) *models.MailboxConfiguration {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configurations[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// PutSyncRequest stores a request as-is, for seeding tests.
func (s *Store) PutSyncRequest(r *models.SyncRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.requests[r.ID] = &cp
}

type configurationRepository struct{ s *Store }

func (r *configurationRepository) Create(_ context.Context, configuration *models.MailboxConfiguration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if configuration.ID == "" {
		configuration.ID = utils.GenerateNanoIDWithPrefix("mbox", 16)
	}
	if configuration.SyncStatus == "" {
		configuration.SyncStatus = enum.SyncStatusIdle
	}
	if configuration.CreatedAt.IsZero() {
		configuration.CreatedAt = r.s.now()
	}
	cp := *configuration
	r.s.configurations[configuration.ID] = &cp
	return nil
}

func (r *configurationRepository) GetByID(_ context.Context, id string) (*models.MailboxConfiguration, error) {
	return r.s.Configuration(id), nil
}

func (r *configurationRepository) list(match func(*models.MailboxConfiguration) bool) []*models.MailboxConfiguration {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*models.MailboxConfiguration, 0)
	for _, c := range r.s.configurations {
		if match(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *configurationRepository) ListActive(_ context.Context) ([]*models.MailboxConfiguration, error) {
	return r.list(func(c *models.MailboxConfiguration) bool { return c.IsActive }), nil
}

func (r *configurationRepository) ListActiveByUser(_ context.Context, userID string) ([]*models.MailboxConfiguration, error) {
	return r.list(func(c *models.MailboxConfiguration) bool { return c.IsActive && c.UserID == userID }), nil
}

func (r *configurationRepository) ListAll(_ context.Context) ([]*models.MailboxConfiguration, error) {
	return r.list(func(*models.MailboxConfiguration) bool { return true }), nil
}

func (r *configurationRepository) GetWatermark(_ context.Context, id string) (uint32, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.configurations[id]
	if !ok {
		return 0, mailsyncerrors.ErrConfigurationNotFound
	}
	return c.LastSyncedUID, nil
}

func (r *configurationRepository) SetWatermark(_ context.Context, id string, value uint32) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.configurations[id]
	if !ok {
		return mailsyncerrors.ErrConfigurationNotFound
	}
	if value < c.LastSyncedUID {
		return mailsyncerrors.ErrStaleWatermark
	}
	c.LastSyncedUID = value
	c.UpdatedAt = r.s.now()
	return nil
}

func (r *configurationRepository) AcquireSyncLease(_ context.Context, id, holder string, ttl time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.configurations[id]
	if !ok {
		return false, nil
	}
	now := r.s.now()
	if c.LeaseHeld(now) {
		return false, nil
	}
	expires := now.Add(ttl)
	c.SyncStatus = enum.SyncStatusSyncing
	c.LeaseHolder = holder
	c.LeaseExpiresAt = &expires
	c.UpdatedAt = now
	return true, nil
}

func (r *configurationRepository) RenewSyncLease(_ context.Context, id, holder string, ttl time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.configurations[id]
	now := r.s.now()
	if !ok || c.LeaseHolder != holder || !c.LeaseHeld(now) {
		return false, nil
	}
	expires := now.Add(ttl)
	c.LeaseExpiresAt = &expires
	c.UpdatedAt = now
	return true, nil
}

func (r *configurationRepository) ReleaseSyncLease(_ context.Context, id, holder string, status enum.SyncStatus, lastError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.configurations[id]
	if !ok || c.LeaseHolder != holder {
		return nil
	}
	now := r.s.now()
	c.SyncStatus = status
	c.LastError = lastError
	c.LastSyncedAt = &now
	c.LeaseHolder = ""
	c.LeaseExpiresAt = nil
	c.UpdatedAt = now
	return nil
}

func (r *configurationRepository) UpdateEncryptedPassword(_ context.Context, id, encryptedPassword string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.configurations[id]
	if !ok {
		return mailsyncerrors.ErrConfigurationNotFound
	}
	c.EncryptedPassword = encryptedPassword
	return nil
}

type emailInboxRepository struct{ s *Store }

func emailKey(userID, messageID string) string {
	return userID + "\x00" + messageID
}

func (r *emailInboxRepository) InsertIfAbsent(_ context.Context, userID string, record *models.EmailInbox) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.InsertCalls++
	key := emailKey(userID, record.MessageID)
	if _, exists := r.s.emails[key]; exists {
		return false, nil
	}
	record.UserID = userID
	if record.ID == "" {
		record.ID = utils.GenerateNanoIDWithPrefix("email", 24)
	}
	if record.State == "" {
		record.State = enum.EmailStateInbound
	}
	record.CreatedAt = r.s.now()
	cp := *record
	r.s.emails[key] = &cp
	return true, nil
}

func (r *emailInboxRepository) MarkArchived(_ context.Context, messageIDs []string, userID, folder string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var count int64
	for _, id := range messageIDs {
		if e, ok := r.s.emails[emailKey(userID, id)]; ok {
			e.ArchivedInSource = true
			e.ArchiveFolder = folder
			count++
		}
	}
	return count, nil
}

func (r *emailInboxRepository) ListNotArchived(_ context.Context, configurationID string, limit int) ([]*models.EmailInbox, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*models.EmailInbox, 0)
	for _, e := range r.s.emails {
		if e.ConfigurationID == configurationID && !e.ArchivedInSource {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type syncRequestRepository struct{ s *Store }

func (r *syncRequestRepository) Enqueue(_ context.Context, userID string) (*models.SyncRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	request := &models.SyncRequest{
		ID:          utils.GenerateUUID(),
		UserID:      userID,
		RequestType: enum.SyncRequestManual,
		Status:      enum.SyncRequestPending,
		RequestedAt: r.s.now(),
	}
	cp := *request
	r.s.requests[request.ID] = &cp
	return request, nil
}

func (r *syncRequestRepository) ClaimPending(_ context.Context, limit int, claimToken string) ([]*models.SyncRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pending := make([]*models.SyncRequest, 0)
	for _, req := range r.s.requests {
		if req.Status == enum.SyncRequestPending {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].RequestedAt.Before(pending[j].RequestedAt) })
	if limit < len(pending) {
		pending = pending[:max(limit, 0)]
	}
	now := r.s.now()
	out := make([]*models.SyncRequest, 0, len(pending))
	for _, req := range pending {
		req.Status = enum.SyncRequestProcessing
		req.ClaimToken = claimToken
		req.ClaimedAt = &now
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (r *syncRequestRepository) finish(id string, status enum.SyncRequestStatus, result models.SyncRequestResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[id]
	if !ok {
		return mailsyncerrors.ErrSyncRequestNotFound
	}
	if req.Status.IsTerminal() {
		return mailsyncerrors.ErrSyncRequestTerminal
	}
	now := r.s.now()
	req.Status = status
	req.Result = &result
	req.ProcessedAt = &now
	return nil
}

func (r *syncRequestRepository) Complete(_ context.Context, id string, result models.SyncRequestResult) error {
	return r.finish(id, enum.SyncRequestCompleted, result)
}

func (r *syncRequestRepository) Fail(_ context.Context, id string, errMessage string) error {
	return r.finish(id, enum.SyncRequestFailed, models.SyncRequestResult{Success: false, Error: errMessage})
}

func (r *syncRequestRepository) GetByID(_ context.Context, id string) (*models.SyncRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[id]
	if !ok {
		return nil, mailsyncerrors.ErrSyncRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (r *syncRequestRepository) PurgeOlderThan(_ context.Context, days int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now().AddDate(0, 0, -days)
	var deleted int64
	for id, req := range r.s.requests {
		if !req.Status.IsTerminal() {
			continue
		}
		at := req.RequestedAt
		if req.ProcessedAt != nil {
			at = *req.ProcessedAt
		}
		if at.Before(cutoff) {
			delete(r.s.requests, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *syncRequestRepository) ListStaleProcessing(_ context.Context, olderThan time.Duration) ([]*models.SyncRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now().Add(-olderThan)
	out := make([]*models.SyncRequest, 0)
	for _, req := range r.s.requests {
		if req.Status == enum.SyncRequestProcessing && req.ClaimedAt != nil && req.ClaimedAt.Before(cutoff) {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}
