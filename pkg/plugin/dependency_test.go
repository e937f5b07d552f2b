package plugin

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependencyGraph_ResolveOrder(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("api", []string{"cache", "database"})
	g.AddPlugin("database", nil)
	g.AddPlugin("cache", []string{"database"})

	order, err := g.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []string{"database", "cache", "api"}, order)
}

func TestDependencyGraph_TieBreakIsInsertionOrder(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("c", nil)
	g.AddPlugin("a", nil)
	g.AddPlugin("b", nil)
	g.AddPlugin("d", []string{"b", "c"})

	order, err := g.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b", "d"}, order)
}

func TestDependencyGraph_TwoCycle(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("a", []string{"b"})
	g.AddPlugin("b", []string{"a"})

	_, err := g.Resolve()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircularDependency)

	var cycleErr *CircularDependencyError
	require.True(t, errors.As(err, &cycleErr))
	assert.Contains(t, [][]string{{"a", "b", "a"}, {"b", "a", "b"}}, cycleErr.Path)
	assert.Contains(t, err.Error(), " -> ")
}

func TestDependencyGraph_MissingDependency(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("a", []string{"missing"})

	_, err := g.Resolve()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyMissing)

	var missingErr *MissingDependencyError
	require.True(t, errors.As(err, &missingErr))
	assert.Equal(t, "a", missingErr.Plugin)
	assert.Equal(t, "missing", missingErr.Dependency)
	assert.Contains(t, err.Error(), `"a"`)
	assert.Contains(t, err.Error(), `"missing"`)
}

func TestDependencyGraph_MissingReportedBeforeCycle(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("a", []string{"b"})
	g.AddPlugin("b", []string{"a"})
	g.AddPlugin("c", []string{"ghost"})

	_, err := g.Resolve()
	assert.ErrorIs(t, err, ErrDependencyMissing)
	assert.NotErrorIs(t, err, ErrCircularDependency)
}

func TestDependencyGraph_LongCyclePathIsClosed(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("root", nil)
	g.AddPlugin("a", []string{"root", "b"})
	g.AddPlugin("b", []string{"c"})
	g.AddPlugin("c", []string{"a"})

	_, err := g.Resolve()
	var cycleErr *CircularDependencyError
	require.True(t, errors.As(err, &cycleErr))
	assertValidCycle(t, g, cycleErr.Path)
}

func TestDependencyGraph_DetectCycle(t *testing.T) {
	g := NewDependencyGraph()
	assert.Nil(t, g.DetectCycle())

	g.AddPlugin("a", []string{"unknown"})
	g.AddPlugin("b", []string{"a"})
	assert.Nil(t, g.DetectCycle())

	g.AddPlugin("a", []string{"b"})
	cycle := g.DetectCycle()
	require.NotNil(t, cycle)
	assertValidCycle(t, g, cycle)
}

func TestDependencyGraph_RemovePrunes(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("db", nil)
	g.AddPlugin("cache", []string{"db"})
	g.AddPlugin("api", []string{"cache", "db"})

	g.RemovePlugin("db")

	assert.False(t, g.HasPlugin("db"))
	assert.Equal(t, map[string][]string{
		"cache": {},
		"api":   {"cache"},
	}, g.Graph())

	order, err := g.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "api"}, order)
}

func TestDependencyGraph_AddDeduplicatesAndKeepsPosition(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("a", nil)
	g.AddPlugin("b", []string{"a", "a"})
	g.AddPlugin("a", []string{})

	assert.Equal(t, []string{"a", "b"}, g.Names())
	assert.Equal(t, []string{"a"}, g.Dependencies("b"))
}

func TestDependencyGraph_GraphIsCopy(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("a", nil)
	g.AddPlugin("b", []string{"a"})

	snapshot := g.Graph()
	snapshot["b"][0] = "mutated"
	snapshot["c"] = []string{"x"}

	assert.Equal(t, []string{"a"}, g.Dependencies("b"))
	assert.False(t, g.HasPlugin("c"))
}

func TestDependencyGraph_ValidatePlugin(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("a", []string{"b"})
	g.AddPlugin("b", []string{"a"})
	g.AddPlugin("ok", nil)
	g.AddPlugin("uses-ok", []string{"ok"})
	g.AddPlugin("uses-cycle", []string{"a"})
	g.AddPlugin("broken", []string{"nope"})

	assert.NoError(t, g.ValidatePlugin("uses-ok"))
	// Depends on a cycle without being part of it.
	assert.NoError(t, g.ValidatePlugin("uses-cycle"))
	assert.ErrorIs(t, g.ValidatePlugin("a"), ErrCircularDependency)
	assert.ErrorIs(t, g.ValidatePlugin("broken"), ErrDependencyMissing)
}

func TestDependencyGraph_ValidatePluginFindsOwnCycle(t *testing.T) {
	g := NewDependencyGraph()
	g.AddPlugin("x", []string{"y"})
	g.AddPlugin("y", []string{"x"})
	g.AddPlugin("p", []string{"x", "q"})
	g.AddPlugin("q", []string{"p"})

	err := g.ValidatePlugin("p")
	var cycleErr *CircularDependencyError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, "p", cycleErr.Path[0])
	assertValidCycle(t, g, cycleErr.Path)
}

func TestDependencyGraph_RandomAcyclicGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 50; iter++ {
		g := NewDependencyGraph()
		n := 2 + rng.Intn(15)
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("p%d", i)
		}
		// Edges only point to lower indices; registration order is shuffled.
		deps := make(map[string][]string, n)
		for i := 1; i < n; i++ {
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps[names[i]] = append(deps[names[i]], names[j])
				}
			}
		}
		rng.Shuffle(n, func(i, j int) { names[i], names[j] = names[j], names[i] })
		for _, name := range names {
			g.AddPlugin(name, deps[name])
		}

		order, err := g.Resolve()
		require.NoError(t, err)
		require.ElementsMatch(t, names, order)

		position := make(map[string]int, len(order))
		for i, name := range order {
			position[name] = i
		}
		for name, ds := range deps {
			for _, dep := range ds {
				assert.Less(t, position[dep], position[name], "%s must follow %s", name, dep)
			}
		}
	}
}

func assertValidCycle(t *testing.T, g *DependencyGraph, path []string) {
	t.Helper()
	require.GreaterOrEqual(t, len(path), 3)
	assert.Equal(t, path[0], path[len(path)-1])
	for i := 0; i < len(path)-1; i++ {
		assert.Contains(t, g.Dependencies(path[i]), path[i+1],
			"%s -> %s is not an edge", path[i], path[i+1])
	}
}
