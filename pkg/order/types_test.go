package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCents(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"15.99", 1599},
		{"0.80", 80},
		{"1.59", 159},
		{"18.38", 1838},
		{"-18.38", -1838},
		{"100", 10000},
		{"0", 0},
		{"0.5", 50},
		{".25", 25},
		{" 12.00 ", 1200},
	}
	for _, c := range cases {
		got, err := Cents(c.in)
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got, "input %q", c.in)
	}
}

func TestCentsRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "1.234", "abc", "12.x"} {
		_, err := Cents(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestFormatCentsRoundtrip(t *testing.T) {
	for _, cents := range []int64{0, 80, 1599, 1838, -1838, 10000} {
		back, err := Cents(FormatCents(cents))
		require.NoError(t, err)
		assert.Equal(t, cents, back)
	}
}

func TestCategoryValid(t *testing.T) {
	assert.True(t, CategorySale.Valid())
	assert.True(t, CategoryCancellation.Valid())
	assert.True(t, CategoryCorrection.Valid())
	assert.False(t, Category("XYZ").Valid())
	assert.False(t, Category("").Valid())
}

func TestSubmissionViews(t *testing.T) {
	snap := &Snapshot{OrderID: "O-1", BranchID: "B-1", DeviceID: "D-1", Total: "18.38"}
	assert.Equal(t, "O-1", snap.EntityID())
	cents, err := snap.TotalCents()
	require.NoError(t, err)
	assert.Equal(t, int64(1838), cents)

	cl := &Closing{ClosingID: "C-1", BranchID: "B-1", DeviceID: "D-1", GrossTotal: "842.17"}
	assert.Equal(t, "C-1", cl.EntityID())
	cents, err = cl.TotalCents()
	require.NoError(t, err)
	assert.Equal(t, int64(84217), cents)
}
