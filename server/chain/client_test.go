package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidTxHash(t *testing.T) {
	tests := []struct {
		hash string
		want bool
	}{
		{"0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b", true},
		{"0X88DF016429689C079F3B2F6AD39FA052532C56795B733DA78A91EBE6A713944B", true},
		{"88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b", false},
		{"0x88df0164", false},
		{"0xzzdf016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidTxHash(tt.hash), tt.hash)
	}
}
