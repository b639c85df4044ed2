package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dealescrow/internal/models"
)

var (
	ErrNotFound = errors.New("Сделка не найдена.")
	ErrConflict = errors.New("Сделка изменена конкурентно.")
)

const (
	defaultMutateAttempts = 5

	dealColumns = `id, contract_address, customer, buyer, service_wallet, arbiter,
		item_price, buyer_fee, service_fee, insurance,
		purchase_deadline, ship_deadline, confirm_deadline, metadata_hash,
		status, sync_cursor, version, funding_tx_id, deploy_attempts,
		pending_action, pending_since, created_at, updated_at`
)

type DealRepo struct {
	db       *sql.DB
	attempts int
	now      func() time.Time
}

func NewDealRepo(db *sql.DB) *DealRepo {
	return &DealRepo{
		db:       db,
		attempts: defaultMutateAttempts,
		now:      time.Now,
	}
}

// SetMutateAttempts ограничивает число повторов Mutate при конфликте версий.
func (r *DealRepo) SetMutateAttempts(n int) {
	if n > 0 {
		r.attempts = n
	}
}

// Insert идемпотентен: повтор с тем же id или адресом контракта ничего не меняет.
// Возвращает true, если запись создана.
func (r *DealRepo) Insert(ctx context.Context, d *models.Deal) (bool, error) {
	now := r.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Version == 0 {
		d.Version = 1
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deals (`+dealColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, nullableString(string(d.ContractAddress)),
		string(d.Customer), string(d.Buyer), string(d.ServiceWallet), string(d.Arbiter),
		formatAmount(d.ItemPrice), formatAmount(d.BuyerFee), formatAmount(d.ServiceFee), formatAmount(d.Insurance),
		d.PurchaseDeadline.Unix(), d.ShipDeadline.Unix(), d.ConfirmDeadline.Unix(), d.MetadataHash.Hex(),
		string(d.Status), int64(d.SyncCursor), d.Version, d.FundingTxID, d.DeployAttempts,
		string(d.PendingAction), formatNullableTime(d.PendingSince),
		d.CreatedAt.Format(time.RFC3339Nano), d.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("Не удалось сохранить сделку %s: %w", d.ID, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r *DealRepo) Get(ctx context.Context, id string) (*models.Deal, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+dealColumns+" FROM deals WHERE id = ?", id)
	return scanDeal(row)
}

func (r *DealRepo) GetByContractAddress(ctx context.Context, addr models.Address) (*models.Deal, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+dealColumns+" FROM deals WHERE contract_address = ?", string(addr))
	return scanDeal(row)
}

// ListByStatus возвращает сделки в указанных статусах; без статусов — все.
func (r *DealRepo) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Deal, error) {
	query := "SELECT " + dealColumns + " FROM deals"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, 0, len(statuses))
		for _, s := range statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(s))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Не удалось получить список сделок: %w", err)
	}
	defer rows.Close()

	var deals []*models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

// CompareAndSwap записывает изменяемые поля, если версия в БД совпадает с d.Version.
// При успехе d.Version увеличивается.
func (r *DealRepo) CompareAndSwap(ctx context.Context, d *models.Deal) error {
	now := r.now().UTC()

	res, err := r.db.ExecContext(ctx,
		`UPDATE deals SET
			contract_address = ?, status = ?, sync_cursor = ?, funding_tx_id = ?,
			deploy_attempts = ?, pending_action = ?, pending_since = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		nullableString(string(d.ContractAddress)), string(d.Status), int64(d.SyncCursor), d.FundingTxID,
		d.DeployAttempts, string(d.PendingAction), formatNullableTime(d.PendingSince),
		now.Format(time.RFC3339Nano), d.ID, d.Version,
	)
	if err != nil {
		return fmt.Errorf("Не удалось обновить сделку %s: %w", d.ID, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM deals WHERE id = ?", d.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("Не удалось проверить сделку %s: %w", d.ID, err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}

	d.Version++
	d.UpdatedAt = now
	return nil
}

// Mutate читает сделку, применяет fn и записывает результат через CompareAndSwap.
// При конфликте версий чтение и fn повторяются. Если fn вернула ошибку,
// запись не выполняется, а ошибка возвращается вместе с прочитанной сделкой.
func (r *DealRepo) Mutate(ctx context.Context, id string, fn func(d *models.Deal) error) (*models.Deal, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return current, err
		}

		err = r.CompareAndSwap(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("Превышено число попыток обновления сделки %s: %w", id, lastErr)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeal(s scanner) (*models.Deal, error) {
	var (
		d                                       models.Deal
		contractAddress                         sql.NullString
		customer, buyer, service, arbiter       string
		itemPrice, buyerFee, serviceFee, insure string
		purchase, ship, confirm                 int64
		metadataHash, status, pendingAction     string
		syncCursor                              int64
		pendingSince                            sql.NullString
		createdAt, updatedAt                    string
	)

	err := s.Scan(
		&d.ID, &contractAddress, &customer, &buyer, &service, &arbiter,
		&itemPrice, &buyerFee, &serviceFee, &insure,
		&purchase, &ship, &confirm, &metadataHash,
		&status, &syncCursor, &d.Version, &d.FundingTxID, &d.DeployAttempts,
		&pendingAction, &pendingSince, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("Не удалось прочитать сделку: %w", err)
	}

	d.ContractAddress = models.Address(contractAddress.String)
	d.Customer = models.Address(customer)
	d.Buyer = models.Address(buyer)
	d.ServiceWallet = models.Address(service)
	d.Arbiter = models.Address(arbiter)
	d.Status = models.Status(status)
	d.SyncCursor = uint64(syncCursor)
	d.PendingAction = models.Action(pendingAction)

	for _, f := range []struct {
		raw string
		dst *models.Amount
	}{
		{itemPrice, &d.ItemPrice},
		{buyerFee, &d.BuyerFee},
		{serviceFee, &d.ServiceFee},
		{insure, &d.Insurance},
	} {
		v, err := strconv.ParseUint(f.raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("Некорректная сумма в сделке %s: %w", d.ID, err)
		}
		*f.dst = models.Amount(v)
	}

	d.PurchaseDeadline = time.Unix(purchase, 0).UTC()
	d.ShipDeadline = time.Unix(ship, 0).UTC()
	d.ConfirmDeadline = time.Unix(confirm, 0).UTC()

	if d.MetadataHash, err = models.ParseHash(metadataHash); err != nil {
		return nil, err
	}
	if pendingSince.Valid && pendingSince.String != "" {
		d.PendingSince, _ = time.Parse(time.RFC3339Nano, pendingSince.String)
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &d, nil
}

func formatAmount(a models.Amount) string {
	return strconv.FormatUint(uint64(a), 10)
}

func formatNullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
