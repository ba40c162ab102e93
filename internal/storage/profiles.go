package storage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/money"
)

const profileColumns = `id, telegram_id, username, wallet_address, balance, balance_mmk, blocked,
	blocked_reason, referral_code, referred_by, referral_earnings, referral_earnings_mmk, created_at`

// --- Profiles ---

// CreateProfile inserts a new profile, ErrAlreadyExists on a duplicate
// telegram id or referral code
func (q *Queries) CreateProfile(ctx context.Context, p *Profile) error {
	_, err := q.exec(ctx,
		`INSERT INTO profiles (id, telegram_id, username, wallet_address, balance, balance_mmk, blocked,
			blocked_reason, referral_code, referred_by, referral_earnings, referral_earnings_mmk, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TelegramID, p.Username, p.WalletAddress, p.Balance, p.BalanceMMK, p.Blocked,
		p.BlockedReason, p.ReferralCode, p.ReferredBy, p.ReferralEarnings, p.ReferralEarningsMMK,
		Timestamp(p.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetProfile returns a profile by ID
func (q *Queries) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	if err := q.get(ctx, &p, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfileByTelegramID returns the profile bound to a Telegram user
func (q *Queries) GetProfileByTelegramID(ctx context.Context, telegramID int64) (*Profile, error) {
	var p Profile
	if err := q.get(ctx, &p, `SELECT `+profileColumns+` FROM profiles WHERE telegram_id = ?`, telegramID); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfileByReferralCode resolves a referral code
func (q *Queries) GetProfileByReferralCode(ctx context.Context, code string) (*Profile, error) {
	var p Profile
	if err := q.get(ctx, &p, `SELECT `+profileColumns+` FROM profiles WHERE referral_code = ?`, code); err != nil {
		return nil, err
	}
	return &p, nil
}

// AddBalance applies delta to one balance with a compare-and-swap on the
// previous value. The result is rounded to the currency precision and may
// not go negative. Returns the new balance.
func (q *Queries) AddBalance(ctx context.Context, profileID string, c money.Currency, delta decimal.Decimal) (decimal.Decimal, error) {
	p, err := q.GetProfile(ctx, profileID)
	if err != nil {
		return decimal.Zero, err
	}

	prev := p.BalanceOf(c)
	next := c.Round(prev.Add(delta))
	if next.IsNegative() {
		return prev, apperrors.InsufficientFunds(delta.Neg(), prev, c.String())
	}

	col := balanceColumn(c)
	n, err := q.exec(ctx,
		`UPDATE profiles SET `+col+` = ? WHERE id = ? AND `+col+` = ?`,
		next, profileID, prev,
	)
	if err != nil {
		return prev, fmt.Errorf("update balance: %w", err)
	}
	if n == 0 {
		return prev, ErrConflict
	}
	return next, nil
}

// AddReferralEarnings bumps the cumulative referral counter
func (q *Queries) AddReferralEarnings(ctx context.Context, profileID string, c money.Currency, amount decimal.Decimal) error {
	p, err := q.GetProfile(ctx, profileID)
	if err != nil {
		return err
	}

	var prev decimal.Decimal
	if c == money.MMK {
		prev = p.ReferralEarningsMMK
	} else {
		prev = p.ReferralEarnings
	}

	col := earningsColumn(c)
	n, err := q.exec(ctx,
		`UPDATE profiles SET `+col+` = ? WHERE id = ? AND `+col+` = ?`,
		c.Round(prev.Add(amount)), profileID, prev,
	)
	if err != nil {
		return fmt.Errorf("update referral earnings: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// SetBlocked blocks or unblocks a profile
func (q *Queries) SetBlocked(ctx context.Context, profileID string, blocked bool, reason string) error {
	n, err := q.exec(ctx,
		`UPDATE profiles SET blocked = ?, blocked_reason = ? WHERE id = ?`,
		blocked, reason, profileID,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWalletAddress stores the user's payout wallet
func (q *Queries) SetWalletAddress(ctx context.Context, profileID, address string) error {
	n, err := q.exec(ctx, `UPDATE profiles SET wallet_address = ? WHERE id = ?`, address, profileID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertBalanceAdjustment appends an adjustment record. A reused
// reference yields ErrAlreadyExists.
func (q *Queries) InsertBalanceAdjustment(ctx context.Context, a *BalanceAdjustment) error {
	_, err := q.exec(ctx,
		`INSERT INTO balance_adjustments (id, profile_id, currency, delta, balance_after, reason, reference, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProfileID, string(a.Currency), a.Delta, a.BalanceAfter, a.Reason, a.Reference, Timestamp(a.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// HasBalanceAdjustment reports whether reference was already booked
func (q *Queries) HasBalanceAdjustment(ctx context.Context, reference string) (bool, error) {
	var n int
	if err := q.get(ctx, &n, `SELECT COUNT(*) FROM balance_adjustments WHERE reference = ?`, reference); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListBalanceAdjustments returns a profile's corrections, newest first
func (q *Queries) ListBalanceAdjustments(ctx context.Context, profileID string) ([]BalanceAdjustment, error) {
	var out []BalanceAdjustment
	err := q.selectAll(ctx, &out,
		`SELECT id, profile_id, currency, delta, balance_after, reason, reference, created_at
		 FROM balance_adjustments WHERE profile_id = ? ORDER BY created_at DESC, id`,
		profileID,
	)
	return out, err
}

// --- Referrals ---

// InsertReferral records a referral edge, ignoring duplicates
func (q *Queries) InsertReferral(ctx context.Context, r *Referral) error {
	_, err := q.exec(ctx,
		`INSERT INTO referrals (referrer_id, referred_id, level, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (referred_id, level) DO NOTHING`,
		r.ReferrerID, r.ReferredID, r.Level, Timestamp(r.CreatedAt),
	)
	return err
}

// GetReferrers returns the level 1 and 2 referrers of a profile, ordered by level
func (q *Queries) GetReferrers(ctx context.Context, referredID string) ([]Referral, error) {
	var out []Referral
	err := q.selectAll(ctx, &out,
		`SELECT referrer_id, referred_id, level, created_at
		 FROM referrals WHERE referred_id = ? AND level <= 2 ORDER BY level`,
		referredID,
	)
	return out, err
}

// CountReferrals returns how many users a profile brought in at a level
func (q *Queries) CountReferrals(ctx context.Context, referrerID string, level int) (int, error) {
	var n int
	err := q.get(ctx, &n, `SELECT COUNT(*) FROM referrals WHERE referrer_id = ? AND level = ?`, referrerID, level)
	return n, err
}

// InsertReferralEarning appends a payout record. Returns false when the
// (source, beneficiary, level) triple was already paid.
func (q *Queries) InsertReferralEarning(ctx context.Context, e *ReferralEarning) (bool, error) {
	n, err := q.exec(ctx,
		`INSERT INTO referral_earnings (id, source_id, beneficiary_id, referred_id, level, amount, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_id, beneficiary_id, level) DO NOTHING`,
		e.ID, e.SourceID, e.BeneficiaryID, e.ReferredID, e.Level, e.Amount, string(e.Currency), Timestamp(e.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListReferralEarnings returns the payouts generated by one source
func (q *Queries) ListReferralEarnings(ctx context.Context, sourceID string) ([]ReferralEarning, error) {
	var out []ReferralEarning
	err := q.selectAll(ctx, &out,
		`SELECT id, source_id, beneficiary_id, referred_id, level, amount, currency, created_at
		 FROM referral_earnings WHERE source_id = ? ORDER BY level`,
		sourceID,
	)
	return out, err
}
