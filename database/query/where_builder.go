// SPDX-License-Identifier: MIT

package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/SparrowTek/nostr-relay/model"
)

const whereBuilderDefaultWhere = "1=1"

var ErrWhereBuilderInvalidTimeRange = errors.New("invalid time range")

type whereBuilder struct {
	Params map[string]any
	strings.Builder
}

func newWhereBuilder() *whereBuilder {
	return &whereBuilder{
		Params: make(map[string]any),
	}
}

// Build renders the filters into a single where clause over events e with
// every value bound as a named parameter. Filters are joined with OR; the
// tombstone guard applies to all of them.
func (w *whereBuilder) Build(filters ...model.Filter) (clause string, params map[string]any, err error) {
	for i := range filters {
		if since, until := filters[i].Since, filters[i].Until; since != nil && until != nil && *since > *until {
			return "", nil, errors.Wrapf(ErrWhereBuilderInvalidTimeRange, "since %v > until %v", *since, *until)
		}
	}

	w.WriteString("e.tombstoned = 0")
	if len(filters) == 0 || hasMatchAllFilter(filters) {
		return w.String(), w.Params, nil
	}

	w.WriteString(" AND (")
	for i := range filters {
		if i > 0 {
			w.WriteString(" OR ")
		}
		w.applyFilter(fmt.Sprintf("f%d", i), &filters[i])
	}
	w.WriteRune(')')

	return w.String(), w.Params, nil
}

func hasMatchAllFilter(filters []model.Filter) bool {
	for i := range filters {
		if isFilterEmpty(&filters[i]) {
			return true
		}
	}

	return false
}

func isFilterEmpty(filter *model.Filter) bool {
	return len(filter.IDs) == 0 &&
		len(filter.Kinds) == 0 &&
		len(filter.Authors) == 0 &&
		len(filter.Tags) == 0 &&
		filter.Since == nil &&
		filter.Until == nil
}

func (w *whereBuilder) applyFilter(filterID string, filter *model.Filter) {
	w.WriteRune('(')
	buildFromSlice(w, filterID, filter.IDs, "e.id")
	buildFromSlice(w, filterID, filter.Authors, "e.pubkey")
	buildFromSlice(w, filterID, filter.Kinds, "e.kind")
	w.applyFilterTags(filterID, filter.Tags)
	w.applyTimeRange(filterID, filter.Since, filter.Until)
	if w.isOnBegin() {
		w.WriteString(whereBuilderDefaultWhere)
	}
	w.WriteRune(')')
}

func (w *whereBuilder) applyFilterTags(filterID string, tags model.TagMap) {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	tagID := 0
	for _, name := range names {
		values := tags[name]
		if len(values) == 0 {
			continue
		}
		tagID++
		w.maybeAND()
		tagParamID := filterID + "tag" + strconv.Itoa(tagID)
		w.WriteString("EXISTS (select 42 from tags t where t.event_id = e.id and t.name = :")
		w.WriteString(w.addParam(tagParamID, "name", name))
		buildFromSlice(w, tagParamID, deduplicateSlice(values), "t.value")
		w.WriteRune(')')
	}
}

func (w *whereBuilder) applyTimeRange(filterID string, since, until *model.Timestamp) {
	if since != nil {
		w.maybeAND()
		w.WriteString("e.created_at >= :")
		w.WriteString(w.addParam(filterID, "since", int64(*since)))
	}
	if until != nil {
		w.maybeAND()
		w.WriteString("e.created_at <= :")
		w.WriteString(w.addParam(filterID, "until", int64(*until)))
	}
}

func (w *whereBuilder) addParam(filterID, name string, value any) (key string) {
	key = filterID + name
	w.Params[key] = value

	return key
}

func (w *whereBuilder) isOnBegin() bool {
	s := w.String()
	if len(s) == 0 {
		return true
	}

	return s[len(s)-1] == '('
}

func (w *whereBuilder) maybeAND() {
	if w.isOnBegin() {
		return
	}

	w.WriteString(" AND ")
}

func deduplicateSlice[T comparable](s []T) []T {
	seen := make(map[T]struct{}, len(s))
	j := 0
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		s[j] = v
		j++
	}

	return s[:j]
}

func buildFromSlice[T comparable](builder *whereBuilder, filterID string, s []T, name string) {
	if len(s) == 0 {
		return
	}

	builder.maybeAND()
	builder.WriteString(name)
	s = deduplicateSlice(s)
	paramName := strings.TrimPrefix(strings.ReplaceAll(name, ".", ""), "e")
	if len(s) == 1 {
		builder.WriteString(" = :")
		builder.WriteString(builder.addParam(filterID, paramName, s[0]))

		return
	}

	builder.WriteString(" IN (")
	for i := range len(s) - 1 {
		builder.WriteRune(':')
		builder.WriteString(builder.addParam(filterID, paramName+strconv.Itoa(i), s[i]))
		builder.WriteRune(',')
	}
	builder.WriteRune(':')
	builder.WriteString(builder.addParam(filterID, paramName+strconv.Itoa(len(s)-1), s[len(s)-1]))
	builder.WriteRune(')')
}
