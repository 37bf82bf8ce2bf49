package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActingUser(t *testing.T) {
	t.Setenv("USER", "")
	t.Setenv("USERNAME", "")
	assert.Equal(t, "Unknown", actingUser())

	t.Setenv("USERNAME", "jdoe")
	assert.Equal(t, "jdoe", actingUser())

	t.Setenv("USER", "root")
	assert.Equal(t, "root", actingUser())
}

type fakeRunner struct {
	results []error
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context) error {
	i := f.calls
	f.calls++
	if i < len(f.results) {
		return f.results[i]
	}
	return f.results[len(f.results)-1]
}

func TestRunForever_StopsOnUserShutdown(t *testing.T) {
	r := &fakeRunner{results: []error{errors.New("boom"), ErrUserShutdown}}

	err := RunForever(context.Background(), r, 0)

	require.NoError(t, err)
	assert.Equal(t, 2, r.calls)
}

func TestRunForever_StopsOnNilError(t *testing.T) {
	r := &fakeRunner{results: []error{nil}}

	err := RunForever(context.Background(), r, 0)

	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)
}

func TestRunForever_RespectsContextCancellationDuringBackoff(t *testing.T) {
	r := &fakeRunner{results: []error{errors.New("persistent failure")}}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- RunForever(ctx, r, 60) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not return after context cancellation")
	}
}
