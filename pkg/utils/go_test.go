// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(context.Background(), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background task never ran")
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	ran := make(chan struct{})
	Go(context.Background(), func() {
		close(ran)
		panic("boom")
	})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("background task never ran")
	}
	// Give the deferred recover a moment; the test passes if nothing
	// crashes the process.
	time.Sleep(20 * time.Millisecond)
}

func TestGo_SkipsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	doneCh := make(chan struct{})
	Go(ctx, func() { ran = true })
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(doneCh)
	}()
	<-doneCh
	assert.False(t, ran, "cancelled context must suppress the task")
}
