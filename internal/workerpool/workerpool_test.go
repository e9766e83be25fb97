package workerpool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := New(4)

	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		p.Submit(func() { ran.Add(1) })
	}
	p.Stop()

	assert.Equal(t, int32(100), ran.Load())
}

func TestSubmitAfterStopIsDropped(t *testing.T) {
	p := New(1)
	p.Stop()
	p.Stop() // idempotent

	var ran atomic.Int32
	p.Submit(func() { ran.Add(1) })
	assert.Zero(t, ran.Load())
}

func TestZeroWorkersClamped(t *testing.T) {
	p := New(0)
	done := make(chan struct{})
	p.Submit(func() { close(done) })
	<-done
	p.Stop()
}
