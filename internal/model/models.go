package model

import (
	"time"
)

// TicketStatus 票据状态，只允许 unused→used 或 unused→cancelled
type TicketStatus string

const (
	TicketStatusUnused    TicketStatus = "unused"
	TicketStatusUsed      TicketStatus = "used"
	TicketStatusCancelled TicketStatus = "cancelled"
)

func (s TicketStatus) String() string {
	return string(s)
}

// Terminal 是否为终态
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusUsed || s == TicketStatusCancelled
}

// Ticket 票据模型
type Ticket struct {
	TicketID     string       `json:"ticketId" db:"ticket_id"`
	EventID      string       `json:"eventId" db:"event_id"`
	BookingID    string       `json:"bookingId" db:"booking_id"`
	TicketNumber string       `json:"ticketNumber" db:"ticket_number"`
	TicketType   string       `json:"ticketType" db:"ticket_type"`
	HolderName   string       `json:"holderName" db:"holder_name"`
	Seat         string       `json:"seat" db:"seat"`
	EventName    string       `json:"eventName" db:"event_name"`
	EventDate    time.Time    `json:"eventDate" db:"event_date"`
	Token        string       `json:"-" db:"token"`
	Status       TicketStatus `json:"status" db:"status"`
	UsedAt       *time.Time   `json:"usedAt,omitempty" db:"used_at"`
	UsedBy       string       `json:"usedBy,omitempty" db:"used_by"`
	UsedAttempt  string       `json:"-" db:"used_attempt"`
	CreatedAt    time.Time    `json:"createdAt" db:"created_at"`
}

// TicketDescriptor 出票输入
type TicketDescriptor struct {
	TicketID     string    `json:"ticketId"`
	EventID      string    `json:"eventId" binding:"required"`
	BookingID    string    `json:"bookingId" binding:"required"`
	TicketNumber string    `json:"ticketNumber" binding:"required"`
	TicketType   string    `json:"ticketType" binding:"required"`
	HolderName   string    `json:"holderName"`
	Seat         string    `json:"seat"`
	EventName    string    `json:"eventName"`
	EventDate    time.Time `json:"eventDate" binding:"required"`
}

// TicketInfo 核销成功后展示给检票员的信息
type TicketInfo struct {
	TicketNumber string    `json:"ticketNumber"`
	TicketType   string    `json:"ticketType"`
	HolderName   string    `json:"holderName"`
	Seat         string    `json:"seat"`
	EventID      string    `json:"eventId"`
	EventName    string    `json:"eventName"`
	EventDate    time.Time `json:"eventDate"`
}

// Info 提取展示字段
func (t *Ticket) Info() *TicketInfo {
	return &TicketInfo{
		TicketNumber: t.TicketNumber,
		TicketType:   t.TicketType,
		HolderName:   t.HolderName,
		Seat:         t.Seat,
		EventID:      t.EventID,
		EventName:    t.EventName,
		EventDate:    t.EventDate,
	}
}

// ScanContext 扫码上下文
type ScanContext struct {
	EventID   string `json:"eventId" binding:"required"`
	ScannerID string `json:"scannerId" binding:"required"`
	// AttemptID 同一次扫码的重试共用同一个ID
	AttemptID string `json:"attemptId"`
}

// VerdictStatus 核销结果
type VerdictStatus string

const (
	VerdictSuccess     VerdictStatus = "Success"
	VerdictAlreadyUsed VerdictStatus = "AlreadyUsed"
	VerdictInvalid     VerdictStatus = "Invalid"
	VerdictWrongEvent  VerdictStatus = "WrongEvent"
	VerdictExpired     VerdictStatus = "Expired"
)

// Verdict 核销判定
type Verdict struct {
	Verified bool          `json:"verified"`
	Status   VerdictStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Ticket   *TicketInfo   `json:"ticket,omitempty"`
	UsedAt   *time.Time    `json:"usedAt,omitempty"`
	UsedBy   string        `json:"usedBy,omitempty"`
}

// ConsumeResult 条件更新的结果
type ConsumeResult struct {
	// Won 本次调用完成了 unused→used
	Won    bool
	Ticket *Ticket
}

// ReplayRecord 防重放账本条目，写入后不再修改
type ReplayRecord struct {
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	Scope       string    `json:"scope" db:"scope"`
	Reference   string    `json:"reference" db:"reference"`
	Outcome     string    `json:"outcome" db:"outcome"`
	FirstSeenAt time.Time `json:"firstSeenAt" db:"first_seen_at"`
}

// AdmitResult AdmitOnce 的结果
type AdmitResult struct {
	Admitted bool
	// Previous 重复时返回首次写入的条目
	Previous *ReplayRecord
}

// CallbackEnvelope 支付回调
type CallbackEnvelope struct {
	OrderID   string `json:"order_id" form:"order_id"`
	Status    string `json:"status" form:"status"`
	Amount    string `json:"amount" form:"amount"`
	Currency  string `json:"currency" form:"currency"`
	Signature string `json:"signature" form:"signature"`
	Timestamp int64  `json:"timestamp" form:"timestamp"`

	// Source redirect 或 webhook
	Source      string `json:"-" form:"-"`
	Fingerprint string `json:"-" form:"-"`
}

// RejectReason 回调拒绝原因
type RejectReason string

const (
	RejectInvalidSignature RejectReason = "InvalidSignature"
	RejectStaleTimestamp   RejectReason = "StaleTimestamp"
	RejectReplay           RejectReason = "Replay"
)

// CallbackDecision 回调准入结果
type CallbackDecision struct {
	Accepted bool          `json:"accepted"`
	Reason   RejectReason  `json:"reason,omitempty"`
	Previous *ReplayRecord `json:"previous,omitempty"`
}

// PaymentTransaction 支付流水状态
type PaymentTransaction struct {
	OrderID   string    `json:"orderId" db:"order_id"`
	Status    string    `json:"status" db:"status"`
	Amount    string    `json:"amount" db:"amount"`
	Currency  string    `json:"currency" db:"currency"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// StatusCount 按状态计数
type StatusCount struct {
	Status string `json:"status" db:"status"`
	Count  int    `json:"count" db:"cnt"`
}

// HourBucket 每小时扫码数
type HourBucket struct {
	Hour  time.Time `json:"hour" db:"hour"`
	Count int       `json:"count" db:"cnt"`
}

// ScanRequest 扫码接口请求，Token 与 Manual 二选一
type ScanRequest struct {
	Token  string `json:"token"`
	Manual string `json:"manual"`
	ScanContext
}
