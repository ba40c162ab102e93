// Package settings reads the process-wide business configuration from
// the ledger store. Operations take a Snapshot once at their start and
// pass it down, so a rate change made mid-operation is never observed
// half way through.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/suspectuso/ton-escrow/internal/apperrors"
	"github.com/suspectuso/ton-escrow/internal/money"
	"github.com/suspectuso/ton-escrow/internal/storage"
)

const (
	CommissionRate       = "commission_rate"
	ReferralL1Rate       = "referral_l1_rate"
	ReferralL2Rate       = "referral_l2_rate"
	MinWithdrawalTON     = "min_withdrawal_ton"
	MinWithdrawalMMK     = "min_withdrawal_mmk"
	WithdrawalFeeTON     = "withdrawal_fee_ton"
	WithdrawalFeeMMK     = "withdrawal_fee_mmk"
	NetworkFeeTON        = "network_fee_ton"
	PaymentWindowMinutes = "payment_window_minutes"
	AutoConfirmHours     = "auto_confirm_hours"
	DepositWindowMinutes = "deposit_window_minutes"
	AutoWithdrawals      = "auto_withdrawals"
	MaintenanceMode      = "maintenance_mode"
	TONEnabled           = "ton_enabled"
	KBZPayEnabled        = "kbzpay_enabled"
	WavePayEnabled       = "wavepay_enabled"
	AdminTelegramID      = "admin_telegram_id"
	AdminContact         = "admin_contact"
)

type kind int

const (
	kindPercent kind = iota
	kindAmount
	kindInt
	kindBool
	kindText
)

type definition struct {
	kind kind
	def  string
}

var definitions = map[string]definition{
	CommissionRate:       {kindPercent, "3"},
	ReferralL1Rate:       {kindPercent, "5"},
	ReferralL2Rate:       {kindPercent, "3"},
	MinWithdrawalTON:     {kindAmount, "1"},
	MinWithdrawalMMK:     {kindAmount, "5000"},
	WithdrawalFeeTON:     {kindAmount, "0"},
	WithdrawalFeeMMK:     {kindAmount, "0"},
	NetworkFeeTON:        {kindAmount, "0.05"},
	PaymentWindowMinutes: {kindInt, "30"},
	AutoConfirmHours:     {kindInt, "72"},
	DepositWindowMinutes: {kindInt, "60"},
	AutoWithdrawals:      {kindBool, "false"},
	MaintenanceMode:      {kindBool, "false"},
	TONEnabled:           {kindBool, "true"},
	KBZPayEnabled:        {kindBool, "false"},
	WavePayEnabled:       {kindBool, "false"},
	AdminTelegramID:      {kindInt, "0"},
	AdminContact:         {kindText, ""},
}

// Snapshot is an immutable copy of every setting, taken at one instant.
// Rates are percentages: 3 means 3%.
type Snapshot struct {
	Version time.Time

	CommissionRate decimal.Decimal
	ReferralL1Rate decimal.Decimal
	ReferralL2Rate decimal.Decimal

	MinWithdrawalTON decimal.Decimal
	MinWithdrawalMMK decimal.Decimal
	WithdrawalFeeTON decimal.Decimal
	WithdrawalFeeMMK decimal.Decimal
	NetworkFeeTON    decimal.Decimal

	PaymentWindow time.Duration
	AutoConfirm   time.Duration
	DepositWindow time.Duration

	AutoWithdrawals bool
	MaintenanceMode bool
	TONEnabled      bool
	KBZPayEnabled   bool
	WavePayEnabled  bool

	AdminTelegramID int64
	AdminContact    string
}

// MinWithdrawal is the configured minimum for the currency
func (s Snapshot) MinWithdrawal(c money.Currency) decimal.Decimal {
	if c == money.MMK {
		return s.MinWithdrawalMMK
	}
	return s.MinWithdrawalTON
}

// WithdrawalFee is the flat platform fee kept from a payout
func (s Snapshot) WithdrawalFee(c money.Currency) decimal.Decimal {
	if c == money.MMK {
		return s.WithdrawalFeeMMK
	}
	return s.WithdrawalFeeTON
}

// MethodEnabled reports whether a payment rail is switched on
func (s Snapshot) MethodEnabled(m storage.PaymentMethod) bool {
	switch m {
	case storage.MethodTON:
		return s.TONEnabled
	case storage.MethodKBZPay:
		return s.KBZPayEnabled
	case storage.MethodWavePay:
		return s.WavePayEnabled
	}
	return false
}

type store interface {
	GetSetting(ctx context.Context, key string) (*storage.Setting, error)
	ListSettings(ctx context.Context) ([]storage.Setting, error)
	UpsertSetting(ctx context.Context, key, value string, now time.Time) error
}

// Service is the read-through settings accessor. It keeps no cache.
type Service struct {
	store store
	log   *slog.Logger
	now   func() time.Time
}

func New(store store, log *slog.Logger) *Service {
	return &Service{store: store, log: log.With("component", "settings"), now: time.Now}
}

// Get returns the stored value or the default for a known key
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	def, ok := definitions[key]
	if !ok {
		return "", apperrors.Validation("key", "unknown setting "+key)
	}
	row, err := s.store.GetSetting(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return def.def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return row.Value, nil
}

// Set validates and stores a value
func (s *Service) Set(ctx context.Context, key, value string) error {
	def, ok := definitions[key]
	if !ok {
		return apperrors.Validation("key", "unknown setting "+key)
	}
	value = strings.TrimSpace(value)
	if err := validate(def.kind, value); err != nil {
		return apperrors.Validation(key, err.Error())
	}
	if err := s.store.UpsertSetting(ctx, key, value, s.now()); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	s.log.Info("setting changed", "key", key, "value", value)
	return nil
}

// All returns every known key with its effective value
func (s *Service) All(ctx context.Context) (map[string]string, error) {
	values, _, err := s.load(ctx)
	return values, err
}

// Snapshot reads all settings once and freezes them
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	values, version, err := s.load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return build(values, version)
}

func (s *Service) load(ctx context.Context) (map[string]string, time.Time, error) {
	rows, err := s.store.ListSettings(ctx)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("list settings: %w", err)
	}

	values := make(map[string]string, len(definitions))
	for key, def := range definitions {
		values[key] = def.def
	}

	var version time.Time
	for _, row := range rows {
		def, known := definitions[row.Key]
		if !known {
			continue
		}
		if err := validate(def.kind, row.Value); err != nil {
			s.log.Warn("ignoring invalid stored setting", "key", row.Key, "value", row.Value, "error", err)
			continue
		}
		values[row.Key] = row.Value
		if row.UpdatedAt.After(version) {
			version = row.UpdatedAt
		}
	}
	return values, version, nil
}

// Keys lists every known setting, sorted
func Keys() []string {
	keys := make([]string, 0, len(definitions))
	for k := range definitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Defaults is the snapshot used when nothing has been stored
func Defaults() Snapshot {
	values := make(map[string]string, len(definitions))
	for key, def := range definitions {
		values[key] = def.def
	}
	snap, _ := build(values, time.Time{})
	return snap
}

func validate(k kind, v string) error {
	switch k {
	case kindPercent:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("not a number")
		}
		if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("percentage must be between 0 and 100")
		}
	case kindAmount:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("not a number")
		}
		if d.IsNegative() {
			return fmt.Errorf("must not be negative")
		}
	case kindInt:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("not an integer")
		}
		if n < 0 {
			return fmt.Errorf("must not be negative")
		}
	case kindBool:
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("not a boolean")
		}
	}
	return nil
}

func build(v map[string]string, version time.Time) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	dec := func(key string) decimal.Decimal {
		d, e := decimal.NewFromString(v[key])
		if e != nil && err == nil {
			err = fmt.Errorf("setting %s: %w", key, e)
		}
		return d
	}
	num := func(key string) int64 {
		n, e := strconv.ParseInt(v[key], 10, 64)
		if e != nil && err == nil {
			err = fmt.Errorf("setting %s: %w", key, e)
		}
		return n
	}
	flag := func(key string) bool {
		b, _ := strconv.ParseBool(v[key])
		return b
	}

	snap = Snapshot{
		Version:          version,
		CommissionRate:   dec(CommissionRate),
		ReferralL1Rate:   dec(ReferralL1Rate),
		ReferralL2Rate:   dec(ReferralL2Rate),
		MinWithdrawalTON: dec(MinWithdrawalTON),
		MinWithdrawalMMK: dec(MinWithdrawalMMK),
		WithdrawalFeeTON: dec(WithdrawalFeeTON),
		WithdrawalFeeMMK: dec(WithdrawalFeeMMK),
		NetworkFeeTON:    dec(NetworkFeeTON),
		PaymentWindow:    time.Duration(num(PaymentWindowMinutes)) * time.Minute,
		AutoConfirm:      time.Duration(num(AutoConfirmHours)) * time.Hour,
		DepositWindow:    time.Duration(num(DepositWindowMinutes)) * time.Minute,
		AutoWithdrawals:  flag(AutoWithdrawals),
		MaintenanceMode:  flag(MaintenanceMode),
		TONEnabled:       flag(TONEnabled),
		KBZPayEnabled:    flag(KBZPayEnabled),
		WavePayEnabled:   flag(WavePayEnabled),
		AdminTelegramID:  num(AdminTelegramID),
		AdminContact:     v[AdminContact],
	}
	return snap, err
}
