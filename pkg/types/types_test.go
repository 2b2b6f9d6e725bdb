package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowAccessors(t *testing.T) {
	row := Row([]string{"a", "b"}, []*DataType{Bigint(), Varchar()})
	assert.Equal(t, 2, row.Size())
	assert.Equal(t, "a", row.NameOf(0))
	assert.Equal(t, Bigint(), row.ChildAt(0))
	assert.Equal(t, 1, row.ChildIndex("b"))
	assert.Equal(t, -1, row.ChildIndex("c"))
	assert.Nil(t, row.FindChild("c"))
	require.NotNil(t, row.FindChild("b"))
}

func TestEqual(t *testing.T) {
	a := Row([]string{"x"}, []*DataType{Map(Varchar(), Double())})
	b := Row([]string{"x"}, []*DataType{Map(Varchar(), Double())})
	c := Row([]string{"y"}, []*DataType{Map(Varchar(), Double())})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, Bigint().Equal(Integer()))
}

func TestByteWidth(t *testing.T) {
	assert.Equal(t, 8.0, Bigint().ByteWidth())
	assert.Equal(t, 4.0, Integer().ByteWidth())
	assert.Equal(t, 16.0, Varchar().ByteWidth())
	row := Row([]string{"a", "b"}, []*DataType{Bigint(), Integer()})
	assert.Equal(t, 12.0, row.ByteWidth())
}

func TestIsComplex(t *testing.T) {
	assert.True(t, Map(Varchar(), Double()).IsComplex())
	assert.True(t, Array(Bigint()).IsComplex())
	assert.False(t, Double().IsComplex())
}

func TestString(t *testing.T) {
	assert.Equal(t, "MAP(VARCHAR, ARRAY(BIGINT))", Map(Varchar(), Array(Bigint())).String())
	assert.Equal(t, "ROW(a BIGINT)", Row([]string{"a"}, []*DataType{Bigint()}).String())
}
