package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxReceptorNumber is the highest receptor number the array addresses.
const MaxReceptorNumber = 197

// ReceptorID is the zero-padded identifier of one dish, e.g. "0001".
type ReceptorID string

// ParseReceptorID accepts "1", "0001" or "SKA001" style ids and returns the
// canonical four-digit form.
func ParseReceptorID(raw string) (ReceptorID, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.ToUpper(s), "SKA")
	n, err := strconv.Atoi(s)
	if err != nil || s == "" {
		return "", InvalidArgument("receptor id %q is not numeric", raw)
	}
	if n < 1 || n > MaxReceptorNumber {
		return "", InvalidArgument("receptor id %q out of range [1, %d]", raw, MaxReceptorNumber)
	}
	return FormatReceptorID(n), nil
}

// FormatReceptorID renders a receptor number in canonical form.
func FormatReceptorID(n int) ReceptorID {
	return ReceptorID(fmt.Sprintf("%04d", n))
}

// Number returns the receptor number, or 0 when the id is malformed.
func (r ReceptorID) Number() int {
	n, err := strconv.Atoi(string(r))
	if err != nil {
		return 0
	}
	return n
}

// ParseReceptorIDs canonicalises a list, rejecting malformed ids and duplicates.
func ParseReceptorIDs(raw []string) ([]ReceptorID, error) {
	out := make([]ReceptorID, 0, len(raw))
	seen := make(map[ReceptorID]struct{}, len(raw))
	for _, r := range raw {
		id, err := ParseReceptorID(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			return nil, InvalidArgument("receptor id %q listed twice", r)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// SortReceptors sorts ids in place by receptor number and returns the slice.
func SortReceptors(ids []ReceptorID) []ReceptorID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReceptorStrings converts ids to plain strings for JSON replies.
func ReceptorStrings(ids []ReceptorID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
