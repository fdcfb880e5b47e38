package harvest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		in      string
		want    Range
		wantErr bool
	}{
		{in: "10-12", want: Range{Start: 10, End: 12}},
		{in: "5-5", want: Range{Start: 5, End: 5}},
		{in: "-3", want: Range{Count: 3}},
		{in: "12-10", wantErr: true},
		{in: "-0", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
		{in: "1-2-3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRange(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRangeBlocks(t *testing.T) {
	assert.Equal(t, []uint32{12, 11, 10}, Range{Start: 10, End: 12}.Blocks(100))
	assert.Equal(t, []uint32{98, 97, 96}, Range{Count: 3}.Blocks(100))
	assert.Equal(t, []uint32{2, 1}, Range{Count: 5}.Blocks(4), "stops at block 1")
	assert.Empty(t, Range{Count: 2}.Blocks(2))
	assert.Equal(t, []uint32{1}, Range{Start: 0, End: 1}.Blocks(10))
}
