package bizadmin

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Optimistic Mutation Coordinator
// ============================================================================

// MutationState is a step of a mutation run:
// idle → pending → committed | rolled_back → settled.
type MutationState string

const (
	MutationIdle       MutationState = "idle"
	MutationPending    MutationState = "pending"
	MutationCommitted  MutationState = "committed"
	MutationRolledBack MutationState = "rolled_back"
	MutationSettled    MutationState = "settled"
)

// Provisional is the optimistic write a mutation makes to the cache before
// the server answers. Apply and Revert run on Key and on each of Also.
type Provisional struct {
	Key  QueryKey
	Also []QueryKey
	// Apply returns the provisional value built from the current one. It must
	// not modify prev; ok is false when the key holds nothing.
	Apply func(prev any, ok bool) any
	// Revert strips only this mutation's contribution from a value that other
	// writers changed after Apply. It must not modify cur.
	Revert func(cur any) any
}

// keys returns Key followed by Also, without duplicates.
func (p *Provisional) keys() []QueryKey {
	keys := []QueryKey{p.Key}
	seen := map[string]bool{p.Key.String(): true}
	for _, k := range p.Also {
		if !seen[k.String()] {
			seen[k.String()] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// Mutation is one write operation run through the coordinator.
type Mutation[T any] struct {
	Kind        MutationKind
	Params      Params
	Provisional *Provisional
	Write       func(ctx context.Context) (T, error)
	// Refetch loads server truth for the affected key after a successful
	// write. Its failure is logged and leaves the key stale.
	Refetch func(ctx context.Context) error
}

// Run executes the mutation. On failure the provisional write is rolled back
// before the error is returned. In both outcomes the kind's invalidation set
// is marked stale once.
func (m Mutation[T]) Run(ctx context.Context, c *Client) (T, error) {
	var zero T

	prefixes, err := c.InvalidationTable().Resolve(m.Kind, m.Params)
	if err != nil {
		return zero, err
	}
	var provisional []QueryKey
	if m.Provisional != nil {
		provisional = m.Provisional.keys()
	}
	for _, key := range provisional {
		if !matchesAny(key, prefixes) {
			prefixes = append(prefixes, key)
		}
	}

	id := uuid.NewString()
	log := c.logger.With(zap.String("mutation_id", id), zap.String("kind", string(m.Kind)))
	event := func(state MutationState, err error) MutationEvent {
		return MutationEvent{ID: id, Kind: m.Kind, State: state, Err: err}
	}

	snaps := make([]snapshot, len(provisional))
	for i, key := range provisional {
		snaps[i] = c.store.applyProvisional(key, m.Provisional.Apply)
	}
	log.Debug("mutation pending")
	c.events.emit(EventMutationPending, event(MutationPending, nil))

	result, err := m.Write(ctx)
	if err != nil {
		for i, snap := range snaps {
			exact := c.store.revertProvisional(snap, m.Provisional.Revert)
			log.Debug("rolled back provisional write",
				zap.String("key", provisional[i].String()), zap.Bool("exact", exact))
		}
		log.Warn("mutation failed", zap.Error(err))
		c.events.emit(EventMutationRolledBack, event(MutationRolledBack, err))
		m.settle(c, log, prefixes, event(MutationSettled, err))
		return zero, err
	}

	log.Debug("mutation committed")
	c.events.emit(EventMutationCommitted, event(MutationCommitted, nil))
	m.settle(c, log, prefixes, event(MutationSettled, nil))

	if m.Refetch != nil {
		if err := m.Refetch(ctx); err != nil {
			log.Warn("refetch after mutation failed", zap.Error(err))
		}
	}
	return result, nil
}

func (m Mutation[T]) settle(c *Client, log *zap.Logger, prefixes []QueryKey, ev MutationEvent) {
	n := c.invalidate(string(m.Kind), prefixes)
	log.Debug("mutation settled", zap.Int("invalidated", n))
	c.events.emit(EventMutationSettled, ev)
}

// ledgerWrite posts a ledger entry under kind and decodes the result.
func ledgerWrite(ctx context.Context, c *Client, kind MutationKind, params Params, path string, body interface{}) (*LedgerEntryResult, error) {
	return Mutation[*LedgerEntryResult]{
		Kind:   kind,
		Params: params,
		Write: func(ctx context.Context) (*LedgerEntryResult, error) {
			data, err := c.doRequest(ctx, "POST", path, body, nil)
			if err != nil {
				return nil, err
			}
			res, err := decodeLedgerEntry(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", kind, err)
			}
			return res, nil
		},
	}.Run(ctx, c)
}
