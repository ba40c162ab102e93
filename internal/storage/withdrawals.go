package storage

import (
	"context"
	"time"
)

// --- Withdrawals ---

const withdrawalColumns = `id, profile_id, amount, fee, currency, destination, method, status, admin_notes,
	reference, last_error, needs_review, created_at, processed_at`

// CreateWithdrawal inserts a payout request. It never touches the balance.
func (q *Queries) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	_, err := q.exec(ctx,
		`INSERT INTO withdrawals (id, profile_id, amount, fee, currency, destination, method, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProfileID, w.Amount, w.Fee, string(w.Currency), w.Destination, string(w.Method),
		string(w.Status), Timestamp(w.CreatedAt),
	)
	return err
}

// GetWithdrawal returns a withdrawal by ID
func (q *Queries) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	var w Withdrawal
	if err := q.get(ctx, &w, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &w, nil
}

// TransitionWithdrawal moves a withdrawal from -> to. False when it was not in from.
func (q *Queries) TransitionWithdrawal(ctx context.Context, id string, from, to WithdrawalStatus, set Fields) (bool, error) {
	return q.transition(ctx, "withdrawals", id, string(from), string(to), set)
}

// SetWithdrawalError records an operator-visible error without changing status
func (q *Queries) SetWithdrawalError(ctx context.Context, id, msg string, needsReview bool) error {
	n, err := q.exec(ctx,
		`UPDATE withdrawals SET last_error = ?, needs_review = ? WHERE id = ?`,
		msg, needsReview, id,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingWithdrawals returns pending requests, oldest first
func (q *Queries) ListPendingWithdrawals(ctx context.Context, method PaymentMethod, limit int) ([]Withdrawal, error) {
	var out []Withdrawal
	err := q.selectAll(ctx, &out,
		`SELECT `+withdrawalColumns+` FROM withdrawals
		 WHERE status = ? AND method = ? ORDER BY created_at, id LIMIT ?`,
		string(WithdrawalPending), string(method), limit,
	)
	return out, err
}

// ListWithdrawalsNeedingReview returns approved payouts with an uncertain outcome
func (q *Queries) ListWithdrawalsNeedingReview(ctx context.Context) ([]Withdrawal, error) {
	var out []Withdrawal
	err := q.selectAll(ctx, &out,
		`SELECT `+withdrawalColumns+` FROM withdrawals
		 WHERE needs_review = ? ORDER BY created_at, id`,
		true,
	)
	return out, err
}

// --- Deposits ---

const depositColumns = `id, profile_id, amount, currency, method, code, proof, tx_hash, status, admin_notes,
	expires_at, created_at, confirmed_at`

// CreateDeposit inserts a funding claim
func (q *Queries) CreateDeposit(ctx context.Context, d *Deposit) error {
	_, err := q.exec(ctx,
		`INSERT INTO deposits (id, profile_id, amount, currency, method, code, proof, status, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProfileID, d.Amount, string(d.Currency), string(d.Method), d.Code, d.Proof,
		string(d.Status), Timestamp(d.ExpiresAt), Timestamp(d.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetDeposit returns a deposit by ID
func (q *Queries) GetDeposit(ctx context.Context, id string) (*Deposit, error) {
	var d Deposit
	if err := q.get(ctx, &d, `SELECT `+depositColumns+` FROM deposits WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDepositByCode resolves a memo or fiat reference code
func (q *Queries) GetDepositByCode(ctx context.Context, code string) (*Deposit, error) {
	var d Deposit
	if err := q.get(ctx, &d, `SELECT `+depositColumns+` FROM deposits WHERE code = ?`, code); err != nil {
		return nil, err
	}
	return &d, nil
}

// TransitionDeposit moves a deposit from -> to. False when it was not in from.
func (q *Queries) TransitionDeposit(ctx context.Context, id string, from, to DepositStatus, set Fields) (bool, error) {
	ok, err := q.transition(ctx, "deposits", id, string(from), string(to), set)
	if isUniqueViolation(err) {
		return false, ErrAlreadyExists
	}
	return ok, err
}

// ListExpiredDeposits returns pending deposits of method past their window
func (q *Queries) ListExpiredDeposits(ctx context.Context, method PaymentMethod, now time.Time, limit int) ([]Deposit, error) {
	var out []Deposit
	err := q.selectAll(ctx, &out,
		`SELECT `+depositColumns+` FROM deposits
		 WHERE status = ? AND method = ? AND expires_at < ? ORDER BY expires_at LIMIT ?`,
		string(DepositPending), string(method), Timestamp(now), limit,
	)
	return out, err
}

// --- Settings ---

// GetSetting returns one raw setting
func (q *Queries) GetSetting(ctx context.Context, key string) (*Setting, error) {
	var s Setting
	if err := q.get(ctx, &s, `SELECT key, value, updated_at FROM settings WHERE key = ?`, key); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSettings returns every stored setting
func (q *Queries) ListSettings(ctx context.Context) ([]Setting, error) {
	var out []Setting
	err := q.selectAll(ctx, &out, `SELECT key, value, updated_at FROM settings ORDER BY key`)
	return out, err
}

// UpsertSetting writes a setting
func (q *Queries) UpsertSetting(ctx context.Context, key, value string, now time.Time) error {
	_, err := q.exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, Timestamp(now),
	)
	return err
}
