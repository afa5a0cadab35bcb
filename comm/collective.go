package comm

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// AllGatherValue gathers one value of type T from every rank, indexed by rank
func AllGatherValue[T any](ctx context.Context, c Comm, tag string, v T) ([]T, error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "allgather %q: encode", tag)
	}
	parts, err := c.AllGather(ctx, tag, buf)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(parts))
	for r, p := range parts {
		if err := msgpack.Unmarshal(p, &out[r]); err != nil {
			return nil, errors.Wrapf(err, "allgather %q: decode contribution of rank %d", tag, r)
		}
	}
	return out, nil
}

// Exchange is a personalized all-to-all: out[r] is delivered to rank r and
// the result holds, per source rank, what that rank sent here. Every rank
// sends to every other rank, so an empty value is still a message.
func Exchange[T any](ctx context.Context, c Comm, tag string, out []T) ([]T, error) {
	if len(out) != c.Size() {
		return nil, errors.Errorf("exchange %q: %d outgoing values for %d ranks", tag, len(out), c.Size())
	}
	in := make([]T, c.Size())
	for dst := range out {
		if dst == c.Rank() {
			in[dst] = out[dst]
			continue
		}
		buf, err := msgpack.Marshal(out[dst])
		if err != nil {
			return nil, errors.Wrapf(err, "exchange %q: encode for rank %d", tag, dst)
		}
		if err := c.Send(ctx, dst, tag, buf); err != nil {
			return nil, err
		}
	}
	for src := range in {
		if src == c.Rank() {
			continue
		}
		buf, err := c.Recv(ctx, src, tag)
		if err != nil {
			return nil, err
		}
		if err := msgpack.Unmarshal(buf, &in[src]); err != nil {
			return nil, errors.Wrapf(err, "exchange %q: decode from rank %d", tag, src)
		}
	}
	return in, nil
}

// Broadcast returns root's value on every rank
func Broadcast[T any](ctx context.Context, c Comm, tag string, root int, v T) (T, error) {
	var zero T
	if root < 0 || root >= c.Size() {
		return zero, errors.Errorf("broadcast %q: root %d out of range", tag, root)
	}
	if c.Rank() != root {
		v = zero
	}
	all, err := AllGatherValue(ctx, c, tag, v)
	if err != nil {
		return zero, err
	}
	return all[root], nil
}

// AllReduceSum returns the sum of v over all ranks
func AllReduceSum(ctx context.Context, c Comm, tag string, v uint64) (uint64, error) {
	all, err := AllGatherValue(ctx, c, tag, v)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, x := range all {
		sum += x
	}
	return sum, nil
}

// AllReduceOr reports whether any rank passed true
func AllReduceOr(ctx context.Context, c Comm, tag string, v bool) (bool, error) {
	all, err := AllGatherValue(ctx, c, tag, v)
	if err != nil {
		return false, err
	}
	for _, x := range all {
		if x {
			return true, nil
		}
	}
	return false, nil
}

// ExScan returns the exclusive prefix sum of v over ranks below this one,
// and the total over all ranks
func ExScan(ctx context.Context, c Comm, tag string, v uint64) (prefix, total uint64, err error) {
	all, err := AllGatherValue(ctx, c, tag, v)
	if err != nil {
		return 0, 0, err
	}
	for r, x := range all {
		if r < c.Rank() {
			prefix += x
		}
		total += x
	}
	return prefix, total, nil
}
