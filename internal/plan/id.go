package plan

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskID is an ordinal-sortable task identifier: dot-separated numeric
// segments ("1", "4", "2.1"). Plain integers come from plan ingestion;
// dotted IDs are minted by insertion when no integer hole is free between
// the predecessor and successor.
type TaskID string

func (id TaskID) String() string { return string(id) }

// parseID splits an ID into its numeric segments.
func parseID(id TaskID) ([]int, error) {
	parts := strings.Split(string(id), ".")
	segs := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("malformed task ID %q", id)
		}
		segs = append(segs, n)
	}
	return segs, nil
}

// CompareIDs orders two task IDs by their numeric segments. A shorter ID
// that is a prefix of a longer one sorts first ("2" < "2.1" < "3").
// Malformed IDs sort lexically after well-formed ones so ordering stays total.
func CompareIDs(a, b TaskID) int {
	as, aerr := parseID(a)
	bs, berr := parseID(b)
	if aerr != nil || berr != nil {
		return strings.Compare(string(a), string(b))
	}
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

// allocateIDs mints n fresh IDs that sort strictly between pred and succ
// and collide with nothing in taken. Integer holes are preferred (gap
// #2→#5 with two accepted candidates yields #3 and #4); otherwise the
// predecessor is extended with dotted suffixes ("2.1", "2.2"), falling
// back one level deeper when the successor is itself such a child.
func allocateIDs(pred, succ TaskID, n int, taken map[TaskID]struct{}) ([]TaskID, error) {
	if n <= 0 {
		return nil, fmt.Errorf("no IDs requested")
	}

	// Integer hole between plain-integer endpoints.
	ps, perr := parseID(pred)
	ss, serr := parseID(succ)
	if perr == nil && serr == nil && len(ps) == 1 && len(ss) == 1 {
		ids := make([]TaskID, 0, n)
		for v := ps[0] + 1; v < ss[0] && len(ids) < n; v++ {
			id := TaskID(strconv.Itoa(v))
			if _, exists := taken[id]; exists {
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == n {
			return ids, nil
		}
	}

	for _, base := range []TaskID{pred, pred + ".0"} {
		ids := make([]TaskID, 0, n)
		for k := 1; len(ids) < n; k++ {
			id := TaskID(fmt.Sprintf("%s.%d", base, k))
			if CompareIDs(id, succ) >= 0 {
				break
			}
			if _, exists := taken[id]; exists {
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) == n {
			return ids, nil
		}
	}

	return nil, fmt.Errorf("cannot allocate %d IDs between %s and %s", n, pred, succ)
}
