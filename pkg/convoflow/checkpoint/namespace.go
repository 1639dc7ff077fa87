package checkpoint

import (
	"context"
	"strings"
)

// Namespaced returns a view of store whose thread ids are prefixed with
// ns and a slash. Several namespaces can share one backing store without
// their threads colliding. Close on the view is a no-op; close the
// backing store instead.
func Namespaced(store Store, ns string) Store {
	return &namespaced{inner: store, prefix: ns + "/"}
}

type namespaced struct {
	inner  Store
	prefix string
}

func (n *namespaced) key(threadID string) string { return n.prefix + threadID }

func (n *namespaced) Save(ctx context.Context, threadID string, sequence int, nodeID string, data []byte) error {
	return n.inner.Save(ctx, n.key(threadID), sequence, nodeID, data)
}

func (n *namespaced) Latest(ctx context.Context, threadID string) ([]byte, error) {
	return n.inner.Latest(ctx, n.key(threadID))
}

func (n *namespaced) Load(ctx context.Context, threadID string, sequence int) ([]byte, error) {
	return n.inner.Load(ctx, n.key(threadID), sequence)
}

func (n *namespaced) List(ctx context.Context, threadID string) ([]Info, error) {
	infos, err := n.inner.List(ctx, n.key(threadID))
	if err != nil {
		return nil, err
	}
	for i := range infos {
		infos[i].ThreadID = threadID
	}
	return infos, nil
}

func (n *namespaced) Threads(ctx context.Context) ([]string, error) {
	all, err := n.inner.Threads(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range all {
		if rest, ok := strings.CutPrefix(id, n.prefix); ok {
			out = append(out, rest)
		}
	}
	return out, nil
}

func (n *namespaced) Prune(ctx context.Context, threadID string, keep int) error {
	return n.inner.Prune(ctx, n.key(threadID), keep)
}

func (n *namespaced) DeleteThread(ctx context.Context, threadID string) error {
	return n.inner.DeleteThread(ctx, n.key(threadID))
}

func (n *namespaced) Close() error { return nil }
