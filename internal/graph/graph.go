// Package graph validates and answers queries over the service dependency
// graph. Edges run dep → service; the graph is built once at load and never
// mutated.
package graph

import (
	"fmt"

	"github.com/benaskins/micromux/internal/service"
)

// Graph is the validated service dependency graph.
type Graph struct {
	// incoming[A] = [B, C] means A depends on B and C
	incoming map[string][]string
}

// New builds the graph from the loaded services. It fails when a dependency
// references an unknown service or when the graph contains a cycle.
func New(services []*service.Service) (*Graph, error) {
	known := make(map[string]bool, len(services))
	for _, s := range services {
		known[s.ID] = true
	}

	g := &Graph{incoming: make(map[string][]string, len(services))}
	for _, s := range services {
		for _, dep := range s.DependsOn {
			if !known[dep.Name] {
				return nil, fmt.Errorf("service %q depends on unknown service %q", s.ID, dep.Name)
			}
			g.incoming[s.ID] = append(g.incoming[s.ID], dep.Name)
		}
	}

	if err := g.checkAcyclic(services); err != nil {
		return nil, err
	}

	return g, nil
}

// IncomingNeighbors returns the dependencies of the given service, in
// declaration order. The returned slice must not be mutated.
func (g *Graph) IncomingNeighbors(id string) []string {
	return g.incoming[id]
}

// checkAcyclic runs a DFS over the dependency edges, reporting one node on
// the first cycle found.
func (g *Graph) checkAcyclic(services []*service.Service) error {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if inStack[id] {
			return fmt.Errorf("dependency cycle detected at %q", id)
		}
		if visited[id] {
			return nil
		}

		inStack[id] = true
		for _, dep := range g.incoming[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		inStack[id] = false
		visited[id] = true
		return nil
	}

	for _, s := range services {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}
