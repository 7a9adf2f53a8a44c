package engine

// barrier tracks which subscriptions of the current epoch have yet to
// deliver their first snapshot. The overall view stays loading until the
// pending set is empty, independent of arrival order; the fastest query
// alone never flips loading off while siblings are still silent.
type barrier struct {
	waiting map[string]struct{}
}

func newBarrier(ids []string) *barrier {
	b := &barrier{waiting: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		b.waiting[id] = struct{}{}
	}
	return b
}

func (b *barrier) done(id string) {
	delete(b.waiting, id)
}

func (b *barrier) pending(id string) bool {
	_, ok := b.waiting[id]
	return ok
}

func (b *barrier) satisfied() bool {
	return len(b.waiting) == 0
}
