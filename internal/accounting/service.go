package accounting

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Sealer protects API keys at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Service implements the group store and balance ledger over a gorm connection.
type Service struct {
	db     *gorm.DB
	sealer Sealer
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs an accounting service.
func NewService(conn *gorm.DB, sealer Sealer, opts ...Option) *Service {
	s := &Service{db: conn, sealer: sealer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks that the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	sqlDB, errDB := s.db.DB()
	if errDB != nil {
		return storeError("ping", errDB)
	}
	return storeError("ping", sqlDB.PingContext(ctx))
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	sealed, errSeal := s.sealer.Seal(plaintext)
	if errSeal != nil {
		return "", &Error{Code: CodeInternal, Message: "seal api key failed", Err: errSeal}
	}
	return sealed, nil
}

func (s *Service) open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	plaintext, errOpen := s.sealer.Open(sealed)
	if errOpen != nil {
		return "", &Error{Code: CodeInternal, Message: "unseal api key failed", Err: errOpen}
	}
	return plaintext, nil
}
