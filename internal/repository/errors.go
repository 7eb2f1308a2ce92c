package repository

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/lvdashuaibi/littlegate/internal/model"
)

// classify 把驱动层错误归类为 ErrStoreTimeout 或 ErrStoreUnavailable，
// 上层据此决定是否重试
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrStoreTimeout) || errors.Is(err, model.ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrStoreTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, model.ErrStoreTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrStoreUnavailable, err)
}
