package bizadmin

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Paginated Fetcher
// ============================================================================

// PageFunc fetches one page of a list resource.
type PageFunc[T any] func(ctx context.Context, req PageRequest) (*Page[T], error)

// Pager accumulates the pages of an infinite list in order. Concurrent
// NextPage calls for the same cursor share one request.
type Pager[T any] struct {
	fetch   PageFunc[T]
	perPage int

	mu     sync.Mutex
	gen    uint64
	pages  []*Page[T]
	items  []T
	loaded int // highest page number appended

	flight singleflight.Group
}

// NewPager creates a pager that requests perPage items per page.
func NewPager[T any](perPage int, fetch PageFunc[T]) *Pager[T] {
	return &Pager[T]{fetch: fetch, perPage: perPage}
}

// FetchPage fetches page without touching the accumulated list.
func (p *Pager[T]) FetchPage(ctx context.Context, page int) (*Page[T], error) {
	if page <= 0 {
		page = 1
	}
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	v, _, err := share(ctx, &p.flight, fmt.Sprintf("fetch:%d:%d", gen, page), func(ctx context.Context) (interface{}, error) {
		return p.fetch(ctx, PageRequest{Page: page, PerPage: p.perPage})
	})
	if err != nil {
		return nil, err
	}
	return v.(*Page[T]), nil
}

// NextPage loads the page after the last one appended, or page 1 when
// nothing was loaded yet, and appends it. It returns ErrNoNextPage when the
// last page reports no successor.
func (p *Pager[T]) NextPage(ctx context.Context) (*Page[T], error) {
	p.mu.Lock()
	gen := p.gen
	next, ok := p.nextLocked()
	p.mu.Unlock()
	if !ok {
		return nil, ErrNoNextPage
	}

	v, _, err := share(ctx, &p.flight, fmt.Sprintf("next:%d:%d", gen, next), func(ctx context.Context) (interface{}, error) {
		// A caller that read the cursor just before an earlier flight for
		// the same page finished lands here; hand it the loaded page.
		if page, ok := p.loadedPage(gen, next); ok {
			return page, nil
		}

		page, err := p.fetch(ctx, PageRequest{Page: next, PerPage: p.perPage})
		if err != nil {
			return nil, err
		}
		if page.Pagination.CurrentPage == 0 {
			page.Pagination.CurrentPage = next
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen != gen {
			return nil, ErrSuperseded
		}
		if next != p.loaded+1 {
			return nil, ErrSuperseded
		}
		p.pages = append(p.pages, page)
		p.items = append(p.items, page.Items...)
		p.loaded = next
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Page[T]), nil
}

func (p *Pager[T]) nextLocked() (int, bool) {
	if len(p.pages) == 0 {
		return 1, true
	}
	n, ok := p.pages[len(p.pages)-1].Pagination.Next()
	// A server that keeps answering with the same page must not loop forever.
	if !ok || n <= p.loaded {
		return 0, false
	}
	return n, true
}

func (p *Pager[T]) loadedPage(gen uint64, page int) (*Page[T], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || page > p.loaded {
		return nil, false
	}
	for _, pg := range p.pages {
		if pg.Pagination.CurrentPage == page {
			return pg, true
		}
	}
	return nil, false
}

// HasNext reports whether NextPage would fetch. It is true before the first
// page is loaded.
func (p *Pager[T]) HasNext() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.nextLocked()
	return ok
}

// Items returns the accumulated items in page order.
func (p *Pager[T]) Items() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]T(nil), p.items...)
}

// Pages returns the loaded pages in order.
func (p *Pager[T]) Pages() []*Page[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Page[T](nil), p.pages...)
}

// Last returns the pagination of the last loaded page.
func (p *Pager[T]) Last() (Pagination, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pages) == 0 {
		return Pagination{}, false
	}
	return p.pages[len(p.pages)-1].Pagination, true
}

// Reset drops the accumulated list. Fetches started before the reset
// complete with ErrSuperseded and are not appended.
func (p *Pager[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.pages = nil
	p.items = nil
	p.loaded = 0
}

// All loads every remaining page and returns the accumulated items.
func (p *Pager[T]) All(ctx context.Context) ([]T, error) {
	for p.HasNext() {
		if _, err := p.NextPage(ctx); err != nil {
			if err == ErrNoNextPage {
				break
			}
			return p.Items(), err
		}
	}
	return p.Items(), nil
}
