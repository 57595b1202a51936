package viewtest

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testIndex is sorted by key then id, the way view.build leaves it.
func testIndex() []indexRow {
	return []indexRow{
		{ID: "d1", Key: []interface{}{2013.0, "a"}, Value: 1.0},
		{ID: "d2", Key: []interface{}{2013.0, "a"}, Value: 2.0},
		{ID: "d3", Key: []interface{}{2013.0, "b"}, Value: 3.0},
		{ID: "d4", Key: []interface{}{2014.0, "a"}, Value: 4.0},
		{ID: "d5", Key: []interface{}{2015.0, "c"}, Value: 5.0},
	}
}

func query(t *testing.T, raw string) *viewQuery {
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	q, err := parseViewQuery(values)
	require.NoError(t, err)
	return q
}

func rowIDs(rs *viewResult) []string {
	var out []string
	for _, r := range rs.Rows {
		out = append(out, r.ID)
	}
	return out
}

func TestSelectRowsRanges(t *testing.T) {
	c := newCollator()
	tests := []struct {
		query  string
		ids    []string
		offset int
	}{
		{"", []string{"d1", "d2", "d3", "d4", "d5"}, 0},
		{"limit=2", []string{"d1", "d2"}, 0},
		{"skip=1&limit=2", []string{"d2", "d3"}, 1},
		{`startkey=[2013,"b"]`, []string{"d3", "d4", "d5"}, 2},
		{`startkey=[2013,"a"]&startkey_docid=d2`, []string{"d2", "d3", "d4", "d5"}, 1},
		{`endkey=[2013,"b"]`, []string{"d1", "d2", "d3"}, 0},
		{`endkey=[2013,"b"]&inclusive_end=false`, []string{"d1", "d2"}, 0},
		{`startkey=[2014]&endkey=[2015]`, []string{"d4"}, 3},
		{`key=[2013,"a"]`, []string{"d1", "d2"}, 0},
		{`keys=[[2015,"c"],[2013,"b"]]`, []string{"d5", "d3"}, 0},
		{`descending=true&limit=2`, []string{"d5", "d4"}, 0},
		{`descending=true&startkey=[2014,"a"]&endkey=[2013,"b"]`, []string{"d4", "d3"}, 1},
		{`startkey=[2016]`, nil, 5},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			rs, err := selectRows(testIndex(), query(t, tc.query), "", c.Compare)
			require.NoError(t, err)
			assert.Equal(t, tc.ids, rowIDs(rs))
			require.NotNil(t, rs.TotalRows)
			assert.Equal(t, 5, *rs.TotalRows)
			assert.Equal(t, tc.offset, *rs.Offset)
		})
	}
}

func TestSelectRowsReduce(t *testing.T) {
	c := newCollator()

	rs, err := selectRows(testIndex(), query(t, ""), ReduceSum, c.Compare)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	assert.Nil(t, rs.Rows[0].Key)
	assert.Equal(t, 15.0, rs.Rows[0].Value)
	assert.Nil(t, rs.TotalRows)

	rs, err = selectRows(testIndex(), query(t, "group_level=1"), ReduceSum, c.Compare)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 3)
	assert.Equal(t, []interface{}{2013.0}, rs.Rows[0].Key)
	assert.Equal(t, 6.0, rs.Rows[0].Value)

	rs, err = selectRows(testIndex(), query(t, "group=true"), ReduceCount, c.Compare)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 4)
	assert.Equal(t, 2.0, rs.Rows[0].Value)

	rs, err = selectRows(testIndex(), query(t, `startkey=[2014]`), ReduceStats, c.Compare)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"sum": 9.0, "count": 2.0, "min": 4.0, "max": 5.0, "sumsqr": 41.0}, rs.Rows[0].Value)

	rs, err = selectRows(testIndex(), query(t, "reduce=false&limit=1"), ReduceSum, c.Compare)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, rowIDs(rs))

	rs, err = selectRows(testIndex(), query(t, `startkey=[2020]`), ReduceSum, c.Compare)
	require.NoError(t, err)
	assert.Empty(t, rs.Rows)
}

func TestSelectRowsErrors(t *testing.T) {
	c := newCollator()
	for _, tc := range []struct {
		query  string
		reduce string
	}{
		{"reduce=true", ""},
		{"group=true", ""},
		{"group_level=1", ""},
		{"include_docs=true", ReduceSum},
	} {
		_, err := selectRows(testIndex(), query(t, tc.query), tc.reduce, c.Compare)
		assert.ErrorIs(t, err, ErrQueryParse, tc.query)
	}

	_, err := selectRows([]indexRow{{ID: "x", Key: "k", Value: "text"}}, query(t, ""), ReduceSum, c.Compare)
	assert.ErrorIs(t, err, ErrInternalError)
}

func TestParseViewQueryErrors(t *testing.T) {
	for _, raw := range []string{
		"startkey=[2013",
		"limit=-1",
		"limit=ten",
		"descending=maybe",
		`keys={"a":1}`,
	} {
		values, _ := url.ParseQuery(raw)
		_, err := parseViewQuery(values)
		assert.ErrorIs(t, err, ErrQueryParse, raw)
	}
}

func TestViewBuild(t *testing.T) {
	docs := []*Document{
		{ID: "_design/x", Version: 1, Signature: "a", Data: []byte(`{"views":{}}`)},
		{ID: "b", Version: 1, Signature: "a", Data: []byte(`{"n":2,"tags":["x","y"]}`)},
		{ID: "a", Version: 1, Signature: "a", Data: []byte(`{"n":1,"tags":["y"]}`)},
	}
	v := &view{def: ViewDef{Map: func(doc map[string]interface{}, emit Emit) {
		for _, tag := range doc["tags"].([]interface{}) {
			emit(tag, doc["n"])
		}
	}}}
	err := v.build(7, func(fn func(doc *Document) error) error {
		for _, d := range docs {
			if err := fn(d); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, v.built)
	assert.Equal(t, 7, v.builtSeq)
	require.Len(t, v.rows, 3)
	assert.Equal(t, "x", v.rows[0].Key)
	assert.Equal(t, []string{"b", "a", "b"}, []string{v.rows[0].ID, v.rows[1].ID, v.rows[2].ID})
	assert.Equal(t, "a", v.rows[1].ID)
	assert.Equal(t, 1.0, v.rows[1].Value)
}

func TestNormalize(t *testing.T) {
	v, err := normalize([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1.0, 2.0}, v)

	v, err = normalize(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1.0}, v)

	_, err = normalize(func() {})
	assert.Error(t, err)
}
