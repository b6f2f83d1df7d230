package db

import "context"

// Watch turns a subscription into a stream of snapshots. The channel holds at
// most one snapshot: a newer snapshot replaces an unread older one, so a slow
// reader skips straight to the latest value. The channel is never closed; stop
// reading when ctx is done and Close the returned subscription.
func Watch(ctx context.Context, store Store, path string) (<-chan Snapshot, *Subscription, error) {
	ch := make(chan Snapshot, 1)
	sub, err := store.Subscribe(ctx, path, func(s Snapshot) {
		for {
			select {
			case ch <- s:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, sub, nil
}
