package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTable_Delay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 5 * time.Second},
		{3, 30 * time.Second},
		{7, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultBackoff.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
	assert.Zero(t, Table{}.Delay(1))
}

func TestExponential_Delay(t *testing.T) {
	b := Exponential{Base: time.Second, Multiplier: 2, Max: 10 * time.Second}

	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5), "capped at Max")
	assert.Equal(t, time.Second, Exponential{Base: time.Second}.Delay(3), "multiplier below 1 is flat")
}
