package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Sternrassler/person-anonymizer/pkg/person"
)

// ReportQuery filters the rows a report aggregates. Empty fields match
// everything.
type ReportQuery struct {
	Country     string
	EmailDomain string
	AgeGroups   []string
	// TopN limits ByCountry to the n largest counts, ties at the cut-off
	// included. Zero or less returns every country.
	TopN int
}

// CountryCount is the number of matching rows in one country.
type CountryCount struct {
	Country string
	Count   int64
}

// AgeGroupCount is the number of matching rows in one age group.
type AgeGroupCount struct {
	AgeGroup string
	Count    int64
}

// Report holds the aggregates for one ReportQuery.
type Report struct {
	Total int64
	// ByCountry is ordered by count descending, then country name.
	ByCountry []CountryCount
	// ByAgeGroup is ordered by the lower bound of the group.
	ByAgeGroup []AgeGroupCount
}

// CountryShare returns the share of Total that falls in country, in [0, 1].
func (r *Report) CountryShare(country string) float64 {
	if r.Total == 0 {
		return 0
	}
	for _, c := range r.ByCountry {
		if c.Country == country {
			return float64(c.Count) / float64(r.Total)
		}
	}
	return 0
}

// normalized returns q with the email domain lower-cased and empty age
// groups dropped.
func (q ReportQuery) normalized() ReportQuery {
	q.EmailDomain = strings.ToLower(strings.TrimSpace(q.EmailDomain))
	q.Country = strings.TrimSpace(q.Country)
	groups := make([]string, 0, len(q.AgeGroups))
	for _, g := range q.AgeGroups {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	q.AgeGroups = groups
	return q
}

func (q ReportQuery) matches(r person.Anonymized) bool {
	if q.Country != "" && r.Country != q.Country {
		return false
	}
	if q.EmailDomain != "" && r.EmailDomain != q.EmailDomain {
		return false
	}
	if len(q.AgeGroups) > 0 {
		for _, g := range q.AgeGroups {
			if r.AgeGroup == g {
				return true
			}
		}
		return false
	}
	return true
}

// SortCountries orders counts by count descending, then country ascending.
func SortCountries(counts []CountryCount) {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Country < counts[j].Country
	})
}

// TopWithTies returns the first n entries of sorted counts plus every
// following entry that ties with the n-th.
func TopWithTies(counts []CountryCount, n int) []CountryCount {
	if n <= 0 || n >= len(counts) {
		return counts
	}
	cut := n
	for cut < len(counts) && counts[cut].Count == counts[n-1].Count {
		cut++
	}
	return counts[:cut]
}

// SortAgeGroups orders counts by the lower bound of each group.
func SortAgeGroups(counts []AgeGroupCount) {
	sort.Slice(counts, func(i, j int) bool {
		li, lj := AgeGroupLower(counts[i].AgeGroup), AgeGroupLower(counts[j].AgeGroup)
		if li != lj {
			return li < lj
		}
		return counts[i].AgeGroup < counts[j].AgeGroup
	})
}

// AgeGroupLower parses the lower bound of "[X-Y]". Malformed groups sort
// last.
func AgeGroupLower(group string) int {
	inner := strings.TrimSuffix(strings.TrimPrefix(group, "["), "]")
	lower, _, ok := strings.Cut(inner, "-")
	if !ok {
		return int(^uint(0) >> 1)
	}
	n, err := strconv.Atoi(lower)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

// MaxAge is the upper bound of the oldest age group the provider can yield.
const MaxAge = 130

// AgeGroupsFrom lists the decade groups whose lower bound is at least
// minAge, such as [60-70] through [120-130] for 60.
func AgeGroupsFrom(minAge int) []string {
	if minAge < 0 {
		minAge = 0
	}
	var groups []string
	for lower := (minAge + 9) / 10 * 10; lower < MaxAge; lower += 10 {
		groups = append(groups, fmt.Sprintf("[%d-%d]", lower, lower+10))
	}
	return groups
}
