package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGuardSharesInflightResult(t *testing.T) {
	guard := NewGuard[int]("rates")

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	op := func() (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, _ = guard.Run(context.Background(), op)
	}()
	<-started

	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, _ = guard.Run(context.Background(), op)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("Expected one execution, got %d", got)
	}
	for i, result := range results {
		if result != 42 {
			t.Errorf("caller %d: expected 42, got %d", i, result)
		}
	}
}

func TestGuardRunsAgainAfterResolution(t *testing.T) {
	guard := NewGuard[int]("rates")
	var calls atomic.Int32
	op := func() (int, error) { return int(calls.Add(1)), nil }

	first, _, _ := guard.Run(context.Background(), op)
	second, _, _ := guard.Run(context.Background(), op)
	if first != 1 || second != 2 {
		t.Errorf("Expected sequential calls to execute twice, got %d and %d", first, second)
	}
}

func TestGuardPropagatesError(t *testing.T) {
	guard := NewGuard[string]("rates")
	want := errors.New("no route to host")

	_, err, _ := guard.Run(context.Background(), func() (string, error) { return "", want })
	if !errors.Is(err, want) {
		t.Errorf("Expected %v, got %v", want, err)
	}
}

func TestGuardCallerCancellation(t *testing.T) {
	guard := NewGuard[int]("rates")
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err, _ := guard.Run(ctx, func() (int, error) {
		<-release
		return 1, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
