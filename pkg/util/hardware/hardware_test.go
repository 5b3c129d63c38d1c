package hardware

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetCPUNum(t *testing.T) {
	n := GetCPUNum()
	assert.Greater(t, n, 0)
	assert.LessOrEqual(t, n, runtime.GOMAXPROCS(0))
}

func TestGetMemoryCount(t *testing.T) {
	assert.GreaterOrEqual(t, GetMemoryCount(), uint64(0))
}

func TestInContainer(t *testing.T) {
	a, errA := InContainer()
	b, errB := InContainer()
	assert.Equal(t, a, b)
	assert.Equal(t, errA, errB)
}
