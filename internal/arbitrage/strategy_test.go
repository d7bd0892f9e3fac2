package arbitrage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

func TestParseTechnique(t *testing.T) {
	tests := []struct {
		name    string
		want    Technique
		wantErr bool
	}{
		{"bellman_ford", BellmanFord, false},
		{" Triangle ", Triangle, false},
		{"always_fails", AlwaysFails, false},
		{"dijkstra", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTechnique(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrUnknownTechnique)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.String(), roundTrip(t, got))
		})
	}
}

// roundTrip round-trips a technique through its configuration name.
func roundTrip(t *testing.T, tech Technique) string {
	t.Helper()
	back, err := ParseTechnique(tech.String())
	require.NoError(t, err)
	return back.String()
}

func TestTechnique_HasFallback(t *testing.T) {
	assert.True(t, BellmanFord.HasFallback())
	assert.False(t, Triangle.HasFallback())
	assert.False(t, AlwaysFails.HasFallback())
	assert.Equal(t, "technique(42)", Technique(42).String())
}

func TestRun_TagsResults(t *testing.T) {
	results, err := Run(context.Background(), Triangle, DetectTriangles, triangleSnapshot())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "triangle", results[0].Technique)
}

func TestRun_ConvertsPanic(t *testing.T) {
	boom := func(context.Context, domain.Snapshot) ([]domain.CycleResult, error) {
		panic("index out of range")
	}

	results, err := Run(context.Background(), BellmanFord, boom, triangleSnapshot())
	assert.Nil(t, results)

	var techErr *TechniqueError
	require.True(t, errors.As(err, &techErr))
	assert.Equal(t, BellmanFord, techErr.Technique)
	assert.ErrorIs(t, err, domain.ErrTechniquePanic)
	assert.Contains(t, err.Error(), "index out of range")
}

func TestRun_WrapsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	slow := func(ctx context.Context, _ domain.Snapshot) ([]domain.CycleResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := Run(ctx, Triangle, slow, triangleSnapshot())
	assert.ErrorIs(t, err, domain.ErrTechniqueTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_AlwaysFails(t *testing.T) {
	_, err := Run(context.Background(), AlwaysFails, alwaysFails, triangleSnapshot())
	var techErr *TechniqueError
	require.ErrorAs(t, err, &techErr)
	assert.Equal(t, AlwaysFails, techErr.Technique)
}

func TestTable(t *testing.T) {
	tbl := NewTable()
	assert.Equal(t, []Technique{BellmanFord, Triangle, AlwaysFails}, tbl.List())

	fn, err := tbl.Get(Triangle)
	require.NoError(t, err)
	results, err := fn(context.Background(), triangleSnapshot())
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, err = tbl.Get(Technique(99))
	assert.ErrorIs(t, err, domain.ErrUnknownTechnique)

	called := false
	tbl.Register(Triangle, func(context.Context, domain.Snapshot) ([]domain.CycleResult, error) {
		called = true
		return nil, nil
	})
	fn, err = tbl.Get(Triangle)
	require.NoError(t, err)
	_, _ = fn(context.Background(), domain.Snapshot{})
	assert.True(t, called)
}
