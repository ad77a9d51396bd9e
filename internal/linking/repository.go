package linking

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccountStore хранит зарегистрированные аккаунты.
type AccountStore interface {
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByChatID(ctx context.Context, chatID int64) (Account, error)
	// ClaimChat привязывает чат только к аккаунту без чата,
	// иначе возвращает ErrLinkConflict.
	ClaimChat(ctx context.Context, email string, chatID int64) error
	// SetChatAndPhone перепривязывает аккаунт к чату. Пустой phone
	// оставляет сохраненный номер без изменений.
	SetChatAndPhone(ctx context.Context, email string, chatID int64, phone string) error
}

// LinkRequestStore хранит запросы на перепривязку.
type LinkRequestStore interface {
	FindActive(ctx context.Context, email string) (LinkRequest, error)
	FindActiveByChat(ctx context.Context, chatID int64, status Status) (LinkRequest, error)
	// Upsert заменяет единственный запрос для email и снимает другие
	// открытые запросы того же чата.
	Upsert(ctx context.Context, request LinkRequest) (LinkRequest, error)
	// Transition применяет next, только если запрос все еще в статусе from.
	Transition(ctx context.Context, id string, from Status, next LinkRequest) error
	DeleteByID(ctx context.Context, id string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryAccountStore хранит аккаунты в памяти.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryAccountStore создает хранилище аккаунтов в памяти.
func NewMemoryAccountStore(accounts ...Account) *MemoryAccountStore {
	s := &MemoryAccountStore{accounts: make(map[string]Account)}
	for _, account := range accounts {
		s.accounts[account.Email] = account
	}
	return s
}

// Put добавляет или заменяет аккаунт. Регистрация живет вне бота,
// поэтому метод нужен только для разработки и тестов.
func (s *MemoryAccountStore) Put(account Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.Email] = account
}

func (s *MemoryAccountStore) FindByEmail(_ context.Context, email string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[email]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (s *MemoryAccountStore) FindByChatID(_ context.Context, chatID int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if chatID == 0 {
		return Account{}, ErrAccountNotFound
	}
	for _, account := range s.accounts {
		if account.ChatID == chatID {
			return account, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (s *MemoryAccountStore) ClaimChat(_ context.Context, email string, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[email]
	if !ok {
		return ErrAccountNotFound
	}
	if account.ChatID != 0 {
		return ErrLinkConflict
	}
	s.releaseChatLocked(email, chatID)
	account.ChatID = chatID
	s.accounts[email] = account
	return nil
}

func (s *MemoryAccountStore) SetChatAndPhone(_ context.Context, email string, chatID int64, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[email]
	if !ok {
		return ErrAccountNotFound
	}
	s.releaseChatLocked(email, chatID)
	account.ChatID = chatID
	if phone != "" {
		account.PhoneNumber = phone
	}
	s.accounts[email] = account
	return nil
}

func (s *MemoryAccountStore) releaseChatLocked(email string, chatID int64) {
	for key, other := range s.accounts {
		if key != email && other.ChatID == chatID {
			other.ChatID = 0
			s.accounts[key] = other
		}
	}
}

// MemoryLinkRequestStore хранит запросы на перепривязку в памяти.
type MemoryLinkRequestStore struct {
	mu       sync.Mutex
	requests map[string]LinkRequest
}

// NewMemoryLinkRequestStore создает хранилище запросов в памяти.
func NewMemoryLinkRequestStore() *MemoryLinkRequestStore {
	return &MemoryLinkRequestStore{requests: make(map[string]LinkRequest)}
}

func (s *MemoryLinkRequestStore) FindActive(_ context.Context, email string) (LinkRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := s.collectLocked(func(r LinkRequest) bool {
		return r.Email == email && r.Status.Active()
	})
	return pickLatest(matches, email, 0)
}

func (s *MemoryLinkRequestStore) FindActiveByChat(_ context.Context, chatID int64, status Status) (LinkRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches := s.collectLocked(func(r LinkRequest) bool {
		return r.NewChatID == chatID && r.Status == status
	})
	return pickLatest(matches, "", chatID)
}

func (s *MemoryLinkRequestStore) Upsert(_ context.Context, request LinkRequest) (LinkRequest, error) {
	if strings.TrimSpace(request.Email) == "" {
		return LinkRequest{}, errors.New("link request email required")
	}
	if !request.Status.Valid() {
		return LinkRequest{}, errors.New("link request status invalid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	for id, stored := range s.requests {
		if stored.Email == request.Email {
			delete(s.requests, id)
			continue
		}
		if stored.NewChatID == request.NewChatID && stored.Status.Active() {
			delete(s.requests, id)
		}
	}
	s.requests[request.ID] = request
	return request, nil
}

func (s *MemoryLinkRequestStore) Transition(_ context.Context, id string, from Status, next LinkRequest) error {
	if !next.Status.Valid() {
		return errors.New("link request status invalid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.requests[id]
	if !ok || stored.Status != from {
		return ErrRequestNotFound
	}
	stored.Status = next.Status
	stored.OTP = next.OTP
	if !next.CreatedAt.IsZero() {
		stored.CreatedAt = next.CreatedAt
	}
	s.requests[id] = stored
	return nil
}

func (s *MemoryLinkRequestStore) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

func (s *MemoryLinkRequestStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, stored := range s.requests {
		if stored.CreatedAt.Before(cutoff) {
			delete(s.requests, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryLinkRequestStore) collectLocked(match func(LinkRequest) bool) []LinkRequest {
	var matches []LinkRequest
	for _, stored := range s.requests {
		if match(stored) {
			matches = append(matches, stored)
		}
	}
	return matches
}

func pickLatest(matches []LinkRequest, email string, chatID int64) (LinkRequest, error) {
	if len(matches) == 0 {
		return LinkRequest{}, ErrRequestNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if len(matches) > 1 {
		return matches[0], &InvariantViolationError{
			Email:  email,
			ChatID: chatID,
			Count:  len(matches),
			Latest: matches[0],
		}
	}
	return matches[0], nil
}
