package viewtest

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// collator orders JSON values the way CouchDB orders view keys: null,
// false, true, numbers, strings, arrays, objects. Strings use Unicode
// collation. A collator is not safe for concurrent use.
type collator struct {
	strings *collate.Collator
}

func newCollator() *collator {
	return &collator{strings: collate.New(language.Und)}
}

func typeRank(v interface{}) int {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if !t {
			return 1
		}
		return 2
	case float64:
		return 3
	case string:
		return 4
	case []interface{}:
		return 5
	case map[string]interface{}:
		return 6
	}
	return 7
}

// Compare returns -1, 0 or 1.
func (c *collator) Compare(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch x := a.(type) {
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case string:
		return c.strings.CompareString(x, b.(string))
	case []interface{}:
		y := b.([]interface{})
		for i := 0; i < len(x) && i < len(y); i++ {
			if r := c.Compare(x[i], y[i]); r != 0 {
				return r
			}
		}
		return compareInt(len(x), len(y))
	case map[string]interface{}:
		y := b.(map[string]interface{})
		xk, yk := maps.Keys(x), maps.Keys(y)
		slices.Sort(xk)
		slices.Sort(yk)
		for i := 0; i < len(xk) && i < len(yk); i++ {
			if r := c.strings.CompareString(xk[i], yk[i]); r != 0 {
				return r
			}
			if r := c.Compare(x[xk[i]], y[yk[i]]); r != 0 {
				return r
			}
		}
		return compareInt(len(xk), len(yk))
	}
	return 0
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// rawCompare orders document ids by their bytes, as _all_docs does.
func rawCompare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
