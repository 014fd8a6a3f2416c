package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "", want: nil},
		{name: "only separators", in: " , ,", want: nil},
		{name: "trims", in: " k1:9092 ,k2:9092", want: []string{"k1:9092", "k2:9092"}},
		{name: "drops repeats keeping first", in: "/healthz,/auth/login,/healthz", want: []string{"/healthz", "/auth/login"}},
		{name: "case sensitive", in: "basic,Basic", want: []string{"basic", "Basic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitList(tt.in, ","))
		})
	}
}
