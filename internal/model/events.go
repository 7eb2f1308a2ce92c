package model

import "time"

// OutcomeKind 事件类型
type OutcomeKind string

const (
	OutcomeVerification OutcomeKind = "verification"
	OutcomeCallback     OutcomeKind = "callback"
)

// VerificationOutcome 一次扫码核销的结果
type VerificationOutcome struct {
	TicketNumber string        `json:"ticketNumber,omitempty"`
	EventID      string        `json:"eventId"`
	ScannerID    string        `json:"scannerId"`
	AttemptID    string        `json:"attemptId,omitempty"`
	Status       VerdictStatus `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	ScannedAt    time.Time     `json:"scannedAt"`
}

// CallbackOutcome 一次支付回调的准入结果
type CallbackOutcome struct {
	OrderID     string       `json:"orderId"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Source      string       `json:"source"`
	Accepted    bool         `json:"accepted"`
	Reason      RejectReason `json:"reason,omitempty"`
	ReceivedAt  time.Time    `json:"receivedAt"`
}

// OutcomeEvent Kafka消息体
type OutcomeEvent struct {
	// ID 消费端按此去重，Kafka至少一次投递
	ID           string               `json:"id"`
	Kind         OutcomeKind          `json:"kind"`
	Verification *VerificationOutcome `json:"verification,omitempty"`
	Callback     *CallbackOutcome     `json:"callback,omitempty"`
}

// Key 消息分区键，同一张票或同一个指纹落在同一分区
func (e *OutcomeEvent) Key() string {
	switch {
	case e.Verification != nil:
		if e.Verification.TicketNumber != "" {
			return e.Verification.TicketNumber
		}
		return e.Verification.ScannerID
	case e.Callback != nil:
		if e.Callback.Fingerprint != "" {
			return e.Callback.Fingerprint
		}
		return e.Callback.OrderID
	}
	return string(e.Kind)
}

// Status 统计用的结果标签，接受为 Accepted，拒绝为拒绝原因
func (c *CallbackOutcome) Status() string {
	if c.Accepted {
		return "Accepted"
	}
	return string(c.Reason)
}
