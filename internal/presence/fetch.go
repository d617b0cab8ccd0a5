package presence

import (
	"context"
	"time"
)

const (
	DefaultPageSize  = 100
	DefaultPageDelay = 500 * time.Millisecond
)

// Pager returns one page of the friend list. offline selects the subset.
type Pager interface {
	FriendsPage(ctx context.Context, offset, n int, offline bool) ([]Friend, error)
}

type FetchOptions struct {
	PageSize  int
	PageDelay time.Duration
}

func (o FetchOptions) normalized() FetchOptions {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageDelay < 0 {
		o.PageDelay = 0
	}
	return o
}

// Fetch pages the online subset until an empty page, then the offline
// subset the same way, and returns the merged snapshot. Any page error
// aborts the whole fetch; a partial snapshot is never returned.
func Fetch(ctx context.Context, p Pager, opt FetchOptions) (Snapshot, error) {
	opt = opt.normalized()
	snap := Snapshot{}

	add := func(fs []Friend) {
		for _, f := range fs {
			snap[f.DisplayName] = f
		}
	}
	if err := walk(ctx, p, opt, false, 0, add); err != nil {
		return nil, err
	}
	if err := walk(ctx, p, opt, true, opt.PageDelay, add); err != nil {
		return nil, err
	}
	return snap, nil
}

// FetchOnline pages only the online subset and keeps API order.
func FetchOnline(ctx context.Context, p Pager, opt FetchOptions) ([]Friend, error) {
	opt = opt.normalized()
	var out []Friend
	err := walk(ctx, p, opt, false, opt.PageDelay, func(fs []Friend) {
		out = append(out, fs...)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func walk(ctx context.Context, p Pager, opt FetchOptions, offline bool, delay time.Duration, fn func([]Friend)) error {
	for offset := 0; ; offset += opt.PageSize {
		page, err := p.FriendsPage(ctx, offset, opt.PageSize, offline)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		fn(page)
		if delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
