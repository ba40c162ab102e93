package accounts

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tonkeeper/tongo/ton"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/storage"
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Service manages profiles and the referral graph
type Service struct {
	store *storage.Storage
	log   *slog.Logger
	now   func() time.Time
}

func New(store *storage.Storage, log *slog.Logger) *Service {
	return &Service{store: store, log: log.With("component", "accounts"), now: time.Now}
}

// EnsureProfile returns the profile for a Telegram user, creating it on
// first contact. A valid referral code on creation links the new user to
// the referrer (level 1) and to the referrer's own referrer (level 2).
func (s *Service) EnsureProfile(ctx context.Context, telegramID int64, username, referralCode string) (*storage.Profile, bool, error) {
	p, err := s.store.GetProfileByTelegramID(ctx, telegramID)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("get profile: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		p, err = s.create(ctx, telegramID, username, referralCode)
		if !errors.Is(err, storage.ErrAlreadyExists) {
			break
		}
		// lost a race on telegram_id, or a referral code collision
		if existing, getErr := s.store.GetProfileByTelegramID(ctx, telegramID); getErr == nil {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (s *Service) create(ctx context.Context, telegramID int64, username, referralCode string) (*storage.Profile, error) {
	code, err := newReferralCode()
	if err != nil {
		return nil, err
	}
	now := s.now()
	p := &storage.Profile{
		ID:                  uuid.NewString(),
		TelegramID:          telegramID,
		Username:            username,
		Balance:             decimal.Zero,
		BalanceMMK:          decimal.Zero,
		ReferralCode:        code,
		ReferralEarnings:    decimal.Zero,
		ReferralEarningsMMK: decimal.Zero,
		CreatedAt:           now,
	}

	err = s.store.WithTx(ctx, func(q *storage.Queries) error {
		var referrer *storage.Profile
		if referralCode = strings.ToUpper(strings.TrimSpace(referralCode)); referralCode != "" {
			r, err := q.GetProfileByReferralCode(ctx, referralCode)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				s.log.Debug("unknown referral code", "code", referralCode)
			case err != nil:
				return err
			default:
				referrer = r
				p.ReferredBy = &r.ID
			}
		}

		if err := q.CreateProfile(ctx, p); err != nil {
			return err
		}
		if referrer == nil {
			return nil
		}

		if err := q.InsertReferral(ctx, &storage.Referral{
			ReferrerID: referrer.ID, ReferredID: p.ID, Level: 1, CreatedAt: now,
		}); err != nil {
			return err
		}
		if referrer.ReferredBy != nil && *referrer.ReferredBy != p.ID {
			if err := q.InsertReferral(ctx, &storage.Referral{
				ReferrerID: *referrer.ReferredBy, ReferredID: p.ID, Level: 2, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("profile created", "profile_id", p.ID, "telegram_id", telegramID, "referred", p.ReferredBy != nil)
	return p, nil
}

// Get returns a profile or a NotFound error
func (s *Service) Get(ctx context.Context, id string) (*storage.Profile, error) {
	p, err := s.store.GetProfile(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("profile")
	}
	return p, err
}

// Block stops a user from trading, withdrawing and earning referrals
func (s *Service) Block(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return apperrors.Validation("reason", "block reason is required")
	}
	if err := s.store.SetBlocked(ctx, id, true, reason); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("profile")
		}
		return err
	}
	s.log.Info("profile blocked", "profile_id", id, "reason", reason)
	return nil
}

func (s *Service) Unblock(ctx context.Context, id string) error {
	if err := s.store.SetBlocked(ctx, id, false, ""); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("profile")
		}
		return err
	}
	s.log.Info("profile unblocked", "profile_id", id)
	return nil
}

// SetWallet stores the user's TON payout address in user-friendly form
func (s *Service) SetWallet(ctx context.Context, id, address string) (string, error) {
	acc, err := ton.ParseAccountID(strings.TrimSpace(address))
	if err != nil {
		return "", apperrors.Validation("address", "invalid TON address")
	}
	friendly := acc.ToHuman(false, false)
	if err := s.store.SetWalletAddress(ctx, id, friendly); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", apperrors.NotFound("profile")
		}
		return "", err
	}
	return friendly, nil
}

// ActiveProfile loads a profile and refuses blocked ones
func ActiveProfile(ctx context.Context, q *storage.Queries, id string) (*storage.Profile, error) {
	p, err := q.GetProfile(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NotFound("profile")
	}
	if err != nil {
		return nil, err
	}
	if p.Blocked {
		return nil, apperrors.Forbidden("account is blocked")
	}
	return p, nil
}

func newReferralCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("referral code: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf), nil
}

// NewCode returns a random uppercase code of n characters for payment memos
func NewCode(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf)
}
