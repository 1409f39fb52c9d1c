package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
	MaxPages        = 100
	// consecutive empty pages treated as the end of data
	maxEmptyPages = 2
)

// ErrNoPages is wrapped when the first page fails
var ErrNoPages = errors.New("no pages fetched")

// Page is one page of results plus the response headers it came with
type Page[T any] struct {
	Items  []T
	Header http.Header
}

// FetchPageFunc fetches a 1-based page of at most pageSize items
type FetchPageFunc[T any] func(ctx context.Context, page, pageSize int) (Page[T], error)

// HeaderObserver records rate-limit headers after every page
type HeaderObserver interface {
	Observe(ctx context.Context, connectionID string, header http.Header)
}

type Options struct {
	// Limit caps the total number of items; zero means no limit
	Limit        int
	PageSize     int
	ConnectionID string
	Observer     HeaderObserver
}

// Result describes how a pagination run ended
type Result[T any] struct {
	Items []T
	Pages int
	// Partial is set when a later page failed and earlier pages were kept
	Partial    bool
	PartialErr error
}

// Paginate returns every item across pages. A failure after at least one
// successful page returns the items collected so far with a nil error.
func Paginate[T any](ctx context.Context, fetch FetchPageFunc[T], opts Options) ([]T, error) {
	result, err := Run(ctx, fetch, opts)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// Run drives fetch until the limit is reached, a short page arrives, two
// empty pages arrive in a row, or MaxPages pages were fetched.
func Run[T any](ctx context.Context, fetch FetchPageFunc[T], opts Options) (Result[T], error) {
	pageSize := normalizePageSize(opts.PageSize)
	result := Result[T]{Items: []T{}}
	emptyPages := 0

	for page := 1; page <= MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return partialOrError(result, page, err)
		}

		fetched, err := fetch(ctx, page, pageSize)
		if err != nil {
			return partialOrError(result, page, err)
		}
		result.Pages++

		if opts.Observer != nil && opts.ConnectionID != "" && fetched.Header != nil {
			opts.Observer.Observe(ctx, opts.ConnectionID, fetched.Header)
		}

		if len(fetched.Items) == 0 {
			emptyPages++
			if emptyPages >= maxEmptyPages {
				break
			}
			continue
		}
		emptyPages = 0

		result.Items = append(result.Items, fetched.Items...)
		if opts.Limit > 0 && len(result.Items) >= opts.Limit {
			result.Items = result.Items[:opts.Limit]
			break
		}
		if len(fetched.Items) < pageSize {
			break
		}

		if page == MaxPages {
			zap.L().Warn("Pagination stopped at page ceiling",
				zap.String("connection_id", opts.ConnectionID),
				zap.Int("pages", MaxPages),
				zap.Int("items", len(result.Items)))
		}
	}

	return result, nil
}

func partialOrError[T any](result Result[T], page int, err error) (Result[T], error) {
	if result.Pages == 0 {
		return result, fmt.Errorf("%w: page %d failed: %w", ErrNoPages, page, err)
	}

	zap.L().Warn("Pagination failed mid-way, returning partial results",
		zap.Int("failed_page", page),
		zap.Int("pages", result.Pages),
		zap.Int("items", len(result.Items)),
		zap.Error(err))

	result.Partial = true
	result.PartialErr = err
	return result, nil
}

func normalizePageSize(pageSize int) int {
	if pageSize == 0 {
		return DefaultPageSize
	}
	return min(max(pageSize, 1), MaxPageSize)
}
