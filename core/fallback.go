package core

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Strategy 一个可能失败的获取步骤
type Strategy[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Fallback 按顺序尝试各个策略，第一个成功的结果胜出。
// 返回成功策略的名称；全部失败时返回合并后的错误。
func Fallback[T any](ctx context.Context, strategies ...Strategy[T]) (T, string, error) {
	var zero T
	var errs []error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		v, err := s.Run(ctx)
		if err == nil {
			return v, s.Name, nil
		}
		log.Printf("Warning: %s failed, trying next: %v", s.Name, err)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	if len(errs) == 0 {
		return zero, "", errors.New("no strategies")
	}
	return zero, "", errors.Join(errs...)
}

// FallbackEach 对每个输入独立执行 fn，单个失败时保留原输入而不是中止。
// 返回结果与失败数量。
func FallbackEach(ctx context.Context, inputs []string, fn func(ctx context.Context, in string) (string, error)) ([]string, int) {
	out := make([]string, len(inputs))
	failed := 0
	for i, in := range inputs {
		res, err := fn(ctx, in)
		if err != nil {
			log.Printf("Warning: item %d/%d failed, keeping original: %v", i+1, len(inputs), err)
			out[i] = in
			failed++
			continue
		}
		out[i] = res
	}
	return out, failed
}
