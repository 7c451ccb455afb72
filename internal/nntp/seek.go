package nntp

import (
	"context"
	"sort"
	"time"

	"github.com/newsreap/newsreap/internal/codec"
)

// maxMisses is the probe window width for SeekByDate: the search narrows
// until the candidate range fits inside one XOVER query of this many
// articles.
const maxMisses = 20

// SeekByDate binary-searches a group for the first article posted at or
// after ref. Invariant: ref lies within [low, high]; each iteration probes
// the maxMisses-wide window at the middle and moves one bound strictly
// inward, so the loop terminates in O(log n) probes. Expired (empty)
// windows shift the bounds rather than aborting. When no article is at or
// after ref, the group's head is returned.
func (c *Connection) SeekByDate(ctx context.Context, ref time.Time, group string) (int64, error) {
	if !c.connected {
		if err := c.Connect(ctx); err != nil {
			return 0, err
		}
	}
	if group != "" && group != c.group {
		if _, _, _, err := c.Group(ctx, group); err != nil {
			return 0, err
		}
	}

	low, high := c.groupLow, c.groupHigh
	if high <= low {
		return high, nil
	}

	for high-low > maxMisses {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		mid := low + (high-low)/2
		end := mid + maxMisses - 1
		if end > high {
			end = high
		}
		recs, err := c.Xover(ctx, "", mid, end, codec.SortByArticleNo)
		if err != nil {
			return 0, err
		}
		if len(recs) == 0 {
			// everything in the window has expired; discard it
			if end >= high {
				high = mid
			} else {
				low = end + 1
			}
			continue
		}

		first := recs[0]
		last := recs[len(recs)-1]
		switch {
		case !ref.After(first.Date):
			high = first.ArticleNo
		case ref.After(last.Date):
			low = last.ArticleNo
		default:
			// ref falls inside the probe window
			return bisectOverviews(recs, ref), nil
		}
	}

	recs, err := c.Xover(ctx, "", low, high, codec.SortByArticleNo)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 || ref.After(recs[len(recs)-1].Date) {
		return c.groupHigh, nil
	}
	return bisectOverviews(recs, ref), nil
}

// bisectOverviews returns the article number of the first record whose date
// is at or after ref. recs must be sorted by article number with ascending
// dates.
func bisectOverviews(recs []codec.Overview, ref time.Time) int64 {
	idx := sort.Search(len(recs), func(i int) bool {
		return !recs[i].Date.Before(ref)
	})
	if idx == len(recs) {
		return recs[len(recs)-1].ArticleNo
	}
	return recs[idx].ArticleNo
}
