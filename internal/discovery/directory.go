// Package discovery maps node ids to the gRPC addresses used for snapshot
// transfer and client routing.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownPeer is returned when no address is known for a node id.
var ErrUnknownPeer = errors.New("discovery: unknown peer")

// Directory resolves node ids to addresses.
type Directory interface {
	Resolve(ctx context.Context, id string) (string, error)
	Members(ctx context.Context) (map[string]string, error)
}

// Static is a directory fixed at startup.
type Static map[string]string

// Resolve implements Directory.
func (s Static) Resolve(_ context.Context, id string) (string, error) {
	addr, ok := s[id]
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return addr, nil
}

// Members implements Directory.
func (s Static) Members(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for id, addr := range s {
		out[id] = addr
	}
	return out, nil
}

// Chain asks each directory in turn. Members merges all of them, earlier
// directories winning on conflicts.
type Chain []Directory

// Resolve implements Directory.
func (c Chain) Resolve(ctx context.Context, id string) (string, error) {
	var errs []error
	for _, d := range c {
		addr, err := d.Resolve(ctx, id)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return "", errors.Join(errs...)
}

// Members implements Directory.
func (c Chain) Members(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for i := len(c) - 1; i >= 0; i-- {
		m, err := c[i].Members(ctx)
		if err != nil {
			return nil, err
		}
		for id, addr := range m {
			out[id] = addr
		}
	}
	return out, nil
}

// SortedIDs returns the ids of members in order.
func SortedIDs(members map[string]string) []string {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
