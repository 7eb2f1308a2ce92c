package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/littlegate/config"
	"github.com/lvdashuaibi/littlegate/internal/model"
)

// mysqlDuplicateEntry ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

const ticketColumns = `ticket_id, event_id, booking_id, ticket_number, ticket_type, holder_name,
	seat, event_name, event_date, token, status, used_at, used_by, used_attempt, created_at`

const replayColumns = `fingerprint, scope, reference, outcome, first_seen_at`

// MySQLRepository 写操作走主库，读操作走从库。
// 条件更新之后的回读必须走主库，避免读到复制延迟前的状态。
type MySQLRepository struct {
	masterDB *sqlx.DB
	slaveDB  *sqlx.DB
}

func NewMySQLRepository() (*MySQLRepository, error) {
	cfg := config.AppConfig.MySQL

	masterDB, err := sqlx.Connect("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}
	masterDB.SetMaxOpenConns(cfg.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	slaveDB := masterDB
	if cfg.Slave != "" {
		slaveDB, err = sqlx.Connect("mysql", cfg.Slave)
		if err != nil {
			logrus.WithError(err).Warn("从数据库连接失败，将使用主数据库代替")
			slaveDB = masterDB
		} else {
			slaveDB.SetMaxOpenConns(cfg.MaxOpenConns)
			slaveDB.SetMaxIdleConns(cfg.MaxIdleConns)
			slaveDB.SetConnMaxLifetime(time.Hour)
		}
	}

	return NewMySQLRepositoryWithDB(masterDB, slaveDB), nil
}

// NewMySQLRepositoryWithDB 使用已有连接，slave 为 nil 时读写都走 master
func NewMySQLRepositoryWithDB(master, slave *sqlx.DB) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	return &MySQLRepository{masterDB: master, slaveDB: slave}
}

// CreateTicket 插入 unused 状态的票据
func (r *MySQLRepository) CreateTicket(ctx context.Context, t *model.Ticket) error {
	query := `INSERT INTO tickets (ticket_id, event_id, booking_id, ticket_number, ticket_type, holder_name,
			 seat, event_name, event_date, token, status, created_at)
			 VALUES (:ticket_id, :event_id, :booking_id, :ticket_number, :ticket_type, :holder_name,
			 :seat, :event_name, :event_date, :token, :status, :created_at)`

	if _, err := r.masterDB.NamedExecContext(ctx, query, t); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", model.ErrTicketExists, t.TicketNumber)
		}
		return classify("保存票据到MySQL失败", err)
	}
	return nil
}

func (r *MySQLRepository) GetTicket(ctx context.Context, ticketNumber string) (*model.Ticket, error) {
	return r.getTicket(ctx, r.slaveDB, ticketNumber)
}

func (r *MySQLRepository) getTicket(ctx context.Context, db *sqlx.DB, ticketNumber string) (*model.Ticket, error) {
	query := "SELECT " + ticketColumns + " FROM tickets WHERE ticket_number = ?"

	var t model.Ticket
	if err := db.GetContext(ctx, &t, query, ticketNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrTicketNotFound
		}
		return nil, classify("查询票据失败", err)
	}
	return &t, nil
}

func (r *MySQLRepository) GetTicketsByBooking(ctx context.Context, bookingID string) ([]*model.Ticket, error) {
	query := "SELECT " + ticketColumns + " FROM tickets WHERE booking_id = ? ORDER BY ticket_number"

	var tickets []*model.Ticket
	if err := r.slaveDB.SelectContext(ctx, &tickets, query, bookingID); err != nil {
		return nil, classify("按订单查询票据失败", err)
	}
	return tickets, nil
}

// MarkUsed 单条条件 UPDATE 完成 unused→used，影响行数为1即为赢家
func (r *MySQLRepository) MarkUsed(ctx context.Context, ticketNumber string, usedAt time.Time, usedBy, attemptID string) (*model.ConsumeResult, error) {
	query := `UPDATE tickets SET status = 'used', used_at = ?, used_by = ?, used_attempt = ?
			 WHERE ticket_number = ? AND status = 'unused'`

	result, err := r.masterDB.ExecContext(ctx, query, usedAt, usedBy, attemptID, ticketNumber)
	if err != nil {
		return nil, classify("更新票据状态失败", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, classify("获取更新结果失败", err)
	}

	t, err := r.getTicket(ctx, r.masterDB, ticketNumber)
	if err != nil {
		return nil, err
	}

	won := affected == 1 ||
		(t.Status == model.TicketStatusUsed && attemptID != "" &&
			t.UsedAttempt == attemptID && t.UsedBy == usedBy)
	return &model.ConsumeResult{Won: won, Ticket: t}, nil
}

// Cancel unused→cancelled
func (r *MySQLRepository) Cancel(ctx context.Context, ticketNumber string) (bool, error) {
	query := "UPDATE tickets SET status = 'cancelled' WHERE ticket_number = ? AND status = 'unused'"

	result, err := r.masterDB.ExecContext(ctx, query, ticketNumber)
	if err != nil {
		return false, classify("作废票据失败", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, classify("获取更新结果失败", err)
	}
	if affected == 1 {
		return true, nil
	}

	if _, err := r.getTicket(ctx, r.masterDB, ticketNumber); err != nil {
		return false, err
	}
	return false, nil
}

// AdmitOnce 依赖 fingerprint 主键，重复插入返回 1062
func (r *MySQLRepository) AdmitOnce(ctx context.Context, record *model.ReplayRecord) (*model.AdmitResult, error) {
	if record.FirstSeenAt.IsZero() {
		record.FirstSeenAt = time.Now().UTC()
	}
	query := `INSERT INTO replay_records (` + replayColumns + `)
			 VALUES (:fingerprint, :scope, :reference, :outcome, :first_seen_at)`

	_, err := r.masterDB.NamedExecContext(ctx, query, record)
	if err == nil {
		return &model.AdmitResult{Admitted: true}, nil
	}
	if !isDuplicate(err) {
		return nil, classify("写入防重放记录失败", err)
	}

	var prev model.ReplayRecord
	err = r.masterDB.GetContext(ctx, &prev,
		"SELECT "+replayColumns+" FROM replay_records WHERE fingerprint = ?", record.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		// 记录刚被清理，只可能发生在保留期之外，按重复处理
		return &model.AdmitResult{Admitted: false}, nil
	}
	if err != nil {
		return nil, classify("查询防重放记录失败", err)
	}

	return &model.AdmitResult{
		Admitted: false,
		Previous: &prev,
	}, nil
}

// Prune 删除超过保留期的防重放记录
func (r *MySQLRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.masterDB.ExecContext(ctx, "DELETE FROM replay_records WHERE first_seen_at < ?", olderThan)
	if err != nil {
		return 0, classify("清理防重放记录失败", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify("获取清理结果失败", err)
	}
	return n, nil
}

// SaveOutcome 写入审计表，重复投递的事件被忽略
func (r *MySQLRepository) SaveOutcome(ctx context.Context, event *model.OutcomeEvent) error {
	query := `INSERT IGNORE INTO scan_events (id, kind, ticket_number, event_id, scanner_id, attempt_id,
			 order_id, fingerprint, source, status, reason, occurred_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var args []interface{}
	switch {
	case event.Verification != nil:
		v := event.Verification
		args = []interface{}{event.ID, string(event.Kind), v.TicketNumber, v.EventID, v.ScannerID, v.AttemptID,
			"", "", "", string(v.Status), v.Reason, v.ScannedAt}
	case event.Callback != nil:
		c := event.Callback
		args = []interface{}{event.ID, string(event.Kind), "", "", "", "",
			c.OrderID, c.Fingerprint, c.Source, c.Status(), string(c.Reason), c.ReceivedAt}
	default:
		return fmt.Errorf("事件 %s 缺少内容", event.ID)
	}

	if _, err := r.masterDB.ExecContext(ctx, query, args...); err != nil {
		return classify("写入审计事件失败", err)
	}
	return nil
}

// ApplyPayment 写入或更新支付状态
func (r *MySQLRepository) ApplyPayment(ctx context.Context, env *model.CallbackEnvelope) error {
	query := `INSERT INTO payment_transactions (order_id, status, amount, currency, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE
			 status = VALUES(status),
			 amount = VALUES(amount),
			 currency = VALUES(currency),
			 updated_at = VALUES(updated_at)`

	_, err := r.masterDB.ExecContext(ctx, query, env.OrderID, env.Status, env.Amount, env.Currency, time.Now().UTC())
	if err != nil {
		return classify("更新支付状态失败", err)
	}
	return nil
}

func (r *MySQLRepository) GetPayment(ctx context.Context, orderID string) (*model.PaymentTransaction, error) {
	var p model.PaymentTransaction
	err := r.slaveDB.GetContext(ctx, &p,
		"SELECT order_id, status, amount, currency, updated_at FROM payment_transactions WHERE order_id = ?", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("查询支付状态失败", err)
	}
	return &p, nil
}

// TicketCounts 按状态统计票据
func (r *MySQLRepository) TicketCounts(ctx context.Context, eventID string) ([]model.StatusCount, error) {
	var counts []model.StatusCount
	err := r.slaveDB.SelectContext(ctx, &counts,
		"SELECT status, COUNT(*) AS cnt FROM tickets WHERE event_id = ? GROUP BY status ORDER BY status", eventID)
	if err != nil {
		return nil, classify("统计票据状态失败", err)
	}
	return counts, nil
}

// ScansPerHour 按小时统计扫码次数
func (r *MySQLRepository) ScansPerHour(ctx context.Context, eventID string, since time.Time) ([]model.HourBucket, error) {
	query := `SELECT TIMESTAMP(DATE_FORMAT(occurred_at, '%Y-%m-%d %H:00:00')) AS hour, COUNT(*) AS cnt
			 FROM scan_events
			 WHERE kind = 'verification' AND event_id = ? AND occurred_at >= ?
			 GROUP BY hour ORDER BY hour`

	var buckets []model.HourBucket
	if err := r.slaveDB.SelectContext(ctx, &buckets, query, eventID, since); err != nil {
		return nil, classify("统计扫码次数失败", err)
	}
	return buckets, nil
}

// CallbackCounts 按准入结果统计回调
func (r *MySQLRepository) CallbackCounts(ctx context.Context, since time.Time) ([]model.StatusCount, error) {
	var counts []model.StatusCount
	err := r.slaveDB.SelectContext(ctx, &counts,
		`SELECT status, COUNT(*) AS cnt FROM scan_events
		 WHERE kind = 'callback' AND occurred_at >= ? GROUP BY status ORDER BY status`, since)
	if err != nil {
		return nil, classify("统计回调结果失败", err)
	}
	return counts, nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
