package token

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// PayloadNonceSize 每张票据令牌内嵌的随机数长度
const PayloadNonceSize = 16

// Payload 令牌内嵌的票据字段
type Payload struct {
	Version      string
	TicketNumber string
	TicketType   string
	EventID      string
	IssuedAt     time.Time
	ValidUntil   time.Time
	Nonce        []byte
}

// Expired 判断令牌在 now 时刻是否过期
func (p *Payload) Expired(now time.Time) bool {
	return !now.Before(p.ValidUntil)
}

func (p *Payload) validate() error {
	switch {
	case p.TicketNumber == "":
		return errors.New("缺少票号")
	case p.EventID == "":
		return errors.New("缺少活动ID")
	case p.TicketType == "":
		return errors.New("缺少票种")
	case p.ValidUntil.IsZero():
		return errors.New("缺少有效期")
	// 线上格式精确到秒，按秒比较，编码与解码的判定一致
	case !p.IssuedAt.IsZero() && p.ValidUntil.Unix() <= p.IssuedAt.Unix():
		return errors.New("有效期早于签发时间")
	}
	return nil
}

// payloadV1 线上格式，整数键保证二维码尽量短
type payloadV1 struct {
	TicketNumber string `cbor:"1,keyasint"`
	TicketType   string `cbor:"2,keyasint"`
	EventID      string `cbor:"3,keyasint"`
	IssuedAt     int64  `cbor:"4,keyasint"`
	ValidUntil   int64  `cbor:"5,keyasint"`
	Nonce        []byte `cbor:"6,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("token: CBOR编码器初始化失败: " + err.Error())
	}

	// 解码严格模式：重复键、未知字段都视为错误
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("token: CBOR解码器初始化失败: " + err.Error())
	}
}

func marshalV1(p *Payload) ([]byte, error) {
	return encMode.Marshal(payloadV1{
		TicketNumber: p.TicketNumber,
		TicketType:   p.TicketType,
		EventID:      p.EventID,
		IssuedAt:     p.IssuedAt.Unix(),
		ValidUntil:   p.ValidUntil.Unix(),
		Nonce:        p.Nonce,
	})
}

func unmarshalV1(data []byte) (*Payload, error) {
	var wire payloadV1
	if err := decMode.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	if wire.IssuedAt <= 0 || wire.ValidUntil <= 0 {
		return nil, errors.New("时间戳缺失")
	}
	return &Payload{
		Version:      VersionV1,
		TicketNumber: wire.TicketNumber,
		TicketType:   wire.TicketType,
		EventID:      wire.EventID,
		IssuedAt:     time.Unix(wire.IssuedAt, 0).UTC(),
		ValidUntil:   time.Unix(wire.ValidUntil, 0).UTC(),
		Nonce:        wire.Nonce,
	}, nil
}
