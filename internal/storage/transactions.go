package storage

import (
	"context"
	"time"
)

// --- Products ---

// CreateProduct inserts a listing
func (q *Queries) CreateProduct(ctx context.Context, p *Product) error {
	_, err := q.exec(ctx,
		`INSERT INTO products (id, seller_id, title, description, price, currency, link, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SellerID, p.Title, p.Description, p.Price, string(p.Currency), p.Link, string(p.Status),
		Timestamp(p.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

const productColumns = `id, seller_id, title, description, price, currency, link, status, created_at`

// GetProduct returns a product by ID
func (q *Queries) GetProduct(ctx context.Context, id string) (*Product, error) {
	var p Product
	if err := q.get(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProductByLink resolves a claim link
func (q *Queries) GetProductByLink(ctx context.Context, link string) (*Product, error) {
	var p Product
	if err := q.get(ctx, &p, `SELECT `+productColumns+` FROM products WHERE link = ?`, link); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProductsBySeller returns a seller's listings, newest first
func (q *Queries) ListProductsBySeller(ctx context.Context, sellerID string) ([]Product, error) {
	var out []Product
	err := q.selectAll(ctx, &out,
		`SELECT `+productColumns+` FROM products WHERE seller_id = ? ORDER BY created_at DESC, id`,
		sellerID,
	)
	return out, err
}

// SetProductStatus moves a product from -> to. False when it was not in from.
func (q *Queries) SetProductStatus(ctx context.Context, id string, from, to ProductStatus) (bool, error) {
	return q.transition(ctx, "products", id, string(from), string(to), nil)
}

// --- Transactions ---

const transactionColumns = `id, product_id, seller_id, buyer_id, amount, currency, commission, seller_net,
	status, link, tx_hash, dispute_reason, disputed_by, resolution, expires_at, paid_at, item_sent_at,
	confirmed_at, created_at, updated_at`

// CreateTransaction inserts a new escrow deal
func (q *Queries) CreateTransaction(ctx context.Context, t *Transaction) error {
	_, err := q.exec(ctx,
		`INSERT INTO transactions (id, product_id, seller_id, buyer_id, amount, currency, commission, seller_net,
			status, link, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProductID, t.SellerID, t.BuyerID, t.Amount, string(t.Currency), t.Commission, t.SellerNet,
		string(t.Status), t.Link, Timestamp(t.ExpiresAt), Timestamp(t.CreatedAt), Timestamp(t.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetTransaction returns a transaction by ID
func (q *Queries) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var t Transaction
	if err := q.get(ctx, &t, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransactionByLink resolves the payment memo code of a deal
func (q *Queries) GetTransactionByLink(ctx context.Context, link string) (*Transaction, error) {
	var t Transaction
	if err := q.get(ctx, &t, `SELECT `+transactionColumns+` FROM transactions WHERE link = ?`, link); err != nil {
		return nil, err
	}
	return &t, nil
}

// TransitionTransaction moves a deal from -> to with the extra fields.
// Returns false and changes nothing when the deal is not in from.
func (q *Queries) TransitionTransaction(ctx context.Context, id string, from, to TxStatus, set Fields, now time.Time) (bool, error) {
	if set == nil {
		set = Fields{}
	}
	set["updated_at"] = Timestamp(now)
	ok, err := q.transition(ctx, "transactions", id, string(from), string(to), set)
	if isUniqueViolation(err) {
		return false, ErrAlreadyExists
	}
	return ok, err
}

// ListExpiredTransactions returns pending_payment deals past their expiry
func (q *Queries) ListExpiredTransactions(ctx context.Context, now time.Time, limit int) ([]Transaction, error) {
	var out []Transaction
	err := q.selectAll(ctx, &out,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status = ? AND expires_at < ? ORDER BY expires_at LIMIT ?`,
		string(TxPendingPayment), Timestamp(now), limit,
	)
	return out, err
}

// ListItemSentBefore returns item_sent deals shipped before the cutoff
func (q *Queries) ListItemSentBefore(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	var out []Transaction
	err := q.selectAll(ctx, &out,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status = ? AND item_sent_at < ? ORDER BY item_sent_at LIMIT ?`,
		string(TxItemSent), Timestamp(cutoff), limit,
	)
	return out, err
}

// ListTransactionsByProfile returns deals where the profile is buyer or seller
func (q *Queries) ListTransactionsByProfile(ctx context.Context, profileID string, limit int) ([]Transaction, error) {
	var out []Transaction
	err := q.selectAll(ctx, &out,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE seller_id = ? OR buyer_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		profileID, profileID, limit,
	)
	return out, err
}

// --- Processed Events ---

// MarkEventProcessed records a chain event id, returns true if it was new
func (q *Queries) MarkEventProcessed(ctx context.Context, eventID string, now time.Time) (bool, error) {
	n, err := q.exec(ctx,
		`INSERT INTO processed_events (event_id, created_at) VALUES (?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, Timestamp(now),
	)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsEventProcessed reports whether the event was already consumed
func (q *Queries) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	if err := q.get(ctx, &n, `SELECT COUNT(*) FROM processed_events WHERE event_id = ?`, eventID); err != nil {
		return false, err
	}
	return n > 0, nil
}
