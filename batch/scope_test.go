package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScopeJoinsAllSubtasks(t *testing.T) {
	scope := NewScope(context.Background())
	results := make([]int, 3)
	for i := 0; i < 3; i++ {
		i := i
		scope.Go(func(ctx context.Context) error {
			results[i] = i + 1
			return nil
		})
	}
	require.NoError(t, scope.Wait())
	require.Equal(t, []int{1, 2, 3}, results)
}

func TestScopeFirstFailureCancelsSiblings(t *testing.T) {
	scope := NewScope(context.Background())
	boom := errors.New("boom")

	scope.Go(func(ctx context.Context) error {
		return boom
	})
	siblingCancelled := make(chan struct{})
	scope.Go(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			close(siblingCancelled)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("sibling was not cancelled")
		}
	})

	err := scope.Wait()
	require.ErrorIs(t, err, boom)
	select {
	case <-siblingCancelled:
	default:
		t.Fatal("sibling did not observe cancellation")
	}
}

func TestScopeExternalCancellationUnwinds(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	scope := NewScope(parent)

	scope.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	require.ErrorIs(t, scope.Wait(), context.Canceled)
}
