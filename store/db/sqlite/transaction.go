package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hrygo/synthr/store"
)

const transactionColumns = `id, created_ts, updated_ts, agent_id, buyer_id, seller_id, amount,
	royalty_amount, gas_fee, status, type, tx_hash, block_number, blockchain_status, metadata, error_message`

func (d *DB) CreateTransaction(ctx context.Context, create *store.Transaction) (*store.Transaction, error) {
	fields := []string{
		"agent_id", "buyer_id", "seller_id", "amount", "royalty_amount", "gas_fee", "status", "type",
		"tx_hash", "block_number", "blockchain_status", "metadata", "error_message",
	}
	args := []any{
		create.AgentID, create.BuyerID, create.SellerID, create.Amount, create.RoyaltyAmount, create.GasFee, create.Status, create.Type,
		nullable(create.TxHash), create.BlockNumber, create.BlockchainStatus, jsonOrEmpty(create.Metadata), create.ErrorMessage,
	}

	stmt := `INSERT INTO transactions (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING ` + transactionColumns
	tx, err := scanTransaction(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, mapError(err, "failed to create transaction")
	}
	return tx, nil
}

func (d *DB) ListTransactions(ctx context.Context, find *store.FindTransaction) ([]*store.Transaction, error) {
	where, args := transactionWhere(find)
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_ts DESC, id DESC` + pageClause(find.Limit, find.Offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "failed to query transactions")
	}
	defer rows.Close()

	list := []*store.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, mapError(err, "failed to scan transaction")
		}
		list = append(list, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate transactions")
	}
	return list, nil
}

func (d *DB) CountTransactions(ctx context.Context, find *store.FindTransaction) (int64, error) {
	where, args := transactionWhere(find)
	var count int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE `+strings.Join(where, " AND "), args...).Scan(&count); err != nil {
		return 0, mapError(err, "failed to count transactions")
	}
	return count, nil
}

func (d *DB) UpdateTransaction(ctx context.Context, update *store.UpdateTransaction) (*store.Transaction, error) {
	set, args := []string{"updated_ts = " + placeholder(1)}, []any{time.Now().Unix()}
	if v := update.Status; v != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.TxHash; v != nil {
		set, args = append(set, "tx_hash = "+placeholder(len(args)+1)), append(args, nullable(*v))
	}
	if v := update.BlockNumber; v != nil {
		set, args = append(set, "block_number = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.BlockchainStatus; v != nil {
		set, args = append(set, "blockchain_status = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.GasFee; v != nil {
		set, args = append(set, "gas_fee = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.RoyaltyAmount; v != nil {
		set, args = append(set, "royalty_amount = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.Metadata; v != nil {
		set, args = append(set, "metadata = "+placeholder(len(args)+1)), append(args, jsonOrEmpty(*v))
	}
	if v := update.ErrorMessage; v != nil {
		set, args = append(set, "error_message = "+placeholder(len(args)+1)), append(args, *v)
	}
	args = append(args, update.ID)

	stmt := `UPDATE transactions SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + transactionColumns
	tx, err := scanTransaction(d.db.QueryRowContext(ctx, stmt, args...))
	if err == sql.ErrNoRows {
		return nil, notFound("transaction", update.ID)
	}
	if err != nil {
		return nil, mapError(err, "failed to update transaction")
	}
	return tx, nil
}

func (d *DB) DeleteTransaction(ctx context.Context, delete *store.DeleteTransaction) error {
	return d.deleteRow(ctx, "transactions", "transaction", delete.ID)
}

func (d *DB) GetTransactionStats(ctx context.Context, userID *int32) (*store.TransactionStats, error) {
	where, args := []string{"type <> 'mint'"}, []any{}
	if userID != nil {
		where, args = append(where, "(buyer_id = ? OR seller_id = ?)"), append(args, *userID, *userID)
	}

	rows, err := d.db.QueryContext(ctx, `SELECT amount, status FROM transactions WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, mapError(err, "failed to query transaction stats")
	}
	defer rows.Close()

	stats := &store.TransactionStats{}
	for rows.Next() {
		var amount decimal.Decimal
		var status store.TransactionStatus
		if err := rows.Scan(&amount, &status); err != nil {
			return nil, mapError(err, "failed to scan transaction stats")
		}
		stats.TotalTransactions++
		stats.TotalVolume = stats.TotalVolume.Add(amount)
		if status == store.TransactionCompleted {
			stats.Completed++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "failed to iterate transaction stats")
	}
	if stats.TotalTransactions > 0 {
		stats.AverageAmount = stats.TotalVolume.Div(decimal.NewFromInt(stats.TotalTransactions)).Round(8)
	}
	return stats, nil
}

func transactionWhere(find *store.FindTransaction) ([]string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if len(find.IDs) > 0 {
		where, args = append(where, "id IN ("+placeholders(len(find.IDs))+")"), append(args, int32Args(find.IDs)...)
	}
	if v := find.AgentID; v != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.BuyerID; v != nil {
		where, args = append(where, "buyer_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.SellerID; v != nil {
		where, args = append(where, "seller_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.UserID; v != nil {
		where, args = append(where, "(buyer_id = "+placeholder(len(args)+1)+" OR seller_id = "+placeholder(len(args)+2)+")"), append(args, *v, *v)
	}
	if v := find.TxHash; v != nil {
		where, args = append(where, "tx_hash = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Status; v != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.Type; v != nil {
		where, args = append(where, "type = "+placeholder(len(args)+1)), append(args, *v)
	}
	return where, args
}

func scanTransaction(row scanner) (*store.Transaction, error) {
	var tx store.Transaction
	var txHash sql.NullString
	var blockNumber sql.NullInt64
	if err := row.Scan(
		&tx.ID,
		&tx.CreatedTs,
		&tx.UpdatedTs,
		&tx.AgentID,
		&tx.BuyerID,
		&tx.SellerID,
		&tx.Amount,
		&tx.RoyaltyAmount,
		&tx.GasFee,
		&tx.Status,
		&tx.Type,
		&txHash,
		&blockNumber,
		&tx.BlockchainStatus,
		&tx.Metadata,
		&tx.ErrorMessage,
	); err != nil {
		return nil, err
	}
	tx.TxHash = txHash.String
	tx.BlockNumber = nullInt64(blockNumber)
	return &tx, nil
}
