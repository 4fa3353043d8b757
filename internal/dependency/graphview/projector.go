// Package graphview projects a registered TaskHandler's step-template graph
// into Neo4j as a derived read model for the get_dependency_graph
// introspection operation: get_dependency_graph(namespace, name, version)
// -> {nodes[], edges[], execution_order[]}. The graph is static per
// (namespace, name, version) — every Task of that type shares the same
// template DAG — so projection happens once, at handler registration, not
// per Task instance. internal/store/readiness remains the sole source of
// truth for live execution state; this package only ever reads back what it
// itself wrote, and callers fall back to internal/dependency.Resolved
// directly when Neo4j is unreachable or disabled. The sync uses a
// MERGE/UNWIND pattern for idempotent upserts.
package graphview

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/orbitflow/taskengine/internal/dependency"
	"github.com/orbitflow/taskengine/internal/platform/logger"
	"github.com/orbitflow/taskengine/internal/platform/neo4jdb"
)

type Projector struct {
	client *neo4jdb.Client
	log    *logger.Logger
}

func New(client *neo4jdb.Client, log *logger.Logger) *Projector {
	return &Projector{client: client, log: log.With("component", "GraphViewProjector")}
}

// Enabled reports whether Neo4j is configured. Callers should skip
// projection entirely when it is not: the graph view is optional.
func (p *Projector) Enabled() bool {
	return p != nil && p.client != nil && p.client.Driver != nil
}

// LogSyncFailure records a non-fatal Sync error. Registration (and the
// registry it runs in) must not fail because the derived graph view
// couldn't be written.
func (p *Projector) LogSyncFailure(handlerKey string, err error) {
	if p == nil || p.log == nil {
		return
	}
	p.log.Warn("dependency graph sync failed (continuing)", "handler_key", handlerKey, "error", err)
}

// HandlerKey identifies one registered TaskHandler's template graph.
func HandlerKey(namespace, name, version string) string {
	return namespace + "/" + name + "/" + version
}

// Sync upserts a handler's step-template nodes and DEPENDS_ON edges. Called
// once per handler registration (internal/registry.Registry.Register), not
// per Task.
func (p *Projector) Sync(ctx context.Context, handlerKey string, resolved *dependency.Resolved) error {
	if !p.Enabled() {
		return nil
	}
	if handlerKey == "" {
		return fmt.Errorf("graphview: missing handler key")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	nodes := make([]map[string]any, 0, len(resolved.Templates))
	for _, t := range resolved.Templates {
		nodes = append(nodes, map[string]any{
			"id":          handlerKey + "#" + t.Name,
			"handler_key": handlerKey,
			"name":        t.Name,
			"level":       int64(resolved.Level[t.Name]),
			"skippable":   t.Skippable,
			"retry_limit": int64(t.DefaultRetryLimit),
			"synced_at":   now,
		})
	}

	rels := make([]map[string]any, 0)
	for _, t := range resolved.Templates {
		for _, dep := range t.DependsOn {
			rels = append(rels, map[string]any{
				"from_id":     handlerKey + "#" + dep,
				"to_id":       handlerKey + "#" + t.Name,
				"handler_key": handlerKey,
				"synced_at":   now,
			})
		}
	}

	session := p.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: p.client.Database,
	})
	defer session.Close(ctx)

	if res, err := session.Run(ctx, `CREATE CONSTRAINT step_template_id_unique IF NOT EXISTS FOR (s:StepTemplate) REQUIRE s.id IS UNIQUE`, nil); err != nil {
		p.log.Warn("neo4j schema init failed (continuing)", "error", err)
	} else {
		_, _ = res.Consume(ctx)
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if len(nodes) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $nodes AS n
MERGE (s:StepTemplate {id: n.id})
SET s += n
`, map[string]any{"nodes": nodes})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		if len(rels) > 0 {
			res, err := tx.Run(ctx, `
UNWIND $rels AS r
MATCH (a:StepTemplate {id: r.from_id})
MATCH (b:StepTemplate {id: r.to_id})
MERGE (a)-[e:DEPENDS_ON]->(b)
SET e.handler_key = r.handler_key, e.synced_at = r.synced_at
`, map[string]any{"rels": rels})
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graphview: sync handler %s: %w", handlerKey, err)
	}
	return nil
}

// Node and Edge are the get_dependency_graph response shapes.
type Node struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

type Edge struct {
	FromStep string `json:"from_step"`
	ToStep   string `json:"to_step"`
}

type Graph struct {
	Nodes          []Node   `json:"nodes"`
	Edges          []Edge   `json:"edges"`
	ExecutionOrder []string `json:"execution_order"`
}

// Get returns the projected graph for a handler, or (nil, nil) when the
// projector is disabled so callers fall back to deriving it directly from
// the in-process registry via internal/dependency.Validate.
func (p *Projector) Get(ctx context.Context, handlerKey string) (*Graph, error) {
	if !p.Enabled() {
		return nil, nil
	}

	session := p.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: p.client.Database,
	})
	defer session.Close(ctx)

	graph := &Graph{}
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		nodeRes, err := tx.Run(ctx, `
MATCH (s:StepTemplate {handler_key: $handler_key})
RETURN s.name AS name, s.level AS level
ORDER BY s.level ASC, s.name ASC
`, map[string]any{"handler_key": handlerKey})
		if err != nil {
			return nil, err
		}
		for nodeRes.Next(ctx) {
			rec := nodeRes.Record()
			name, _ := rec.Get("name")
			level, _ := rec.Get("level")
			n := Node{Name: toString(name), Level: int(toInt64(level))}
			graph.Nodes = append(graph.Nodes, n)
			graph.ExecutionOrder = append(graph.ExecutionOrder, n.Name)
		}
		if err := nodeRes.Err(); err != nil {
			return nil, err
		}

		edgeRes, err := tx.Run(ctx, `
MATCH (a:StepTemplate {handler_key: $handler_key})-[e:DEPENDS_ON]->(b:StepTemplate {handler_key: $handler_key})
RETURN a.name AS from_name, b.name AS to_name
`, map[string]any{"handler_key": handlerKey})
		if err != nil {
			return nil, err
		}
		for edgeRes.Next(ctx) {
			rec := edgeRes.Record()
			from, _ := rec.Get("from_name")
			to, _ := rec.Get("to_name")
			graph.Edges = append(graph.Edges, Edge{FromStep: toString(from), ToStep: toString(to)})
		}
		return nil, edgeRes.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graphview: get handler %s: %w", handlerKey, err)
	}
	return graph, nil
}

// FromResolved builds the get_dependency_graph response shape directly from
// a validated template set, bypassing Neo4j. Callers use this when the
// projector is disabled (Get returns nil, nil) or unreachable (Get returns
// an error).
func FromResolved(resolved *dependency.Resolved) *Graph {
	g := &Graph{
		Nodes:          make([]Node, 0, len(resolved.Templates)),
		ExecutionOrder: append([]string(nil), resolved.Order...),
	}
	for _, t := range resolved.Templates {
		g.Nodes = append(g.Nodes, Node{Name: t.Name, Level: resolved.Level[t.Name]})
		for _, dep := range t.DependsOn {
			g.Edges = append(g.Edges, Edge{FromStep: dep, ToStep: t.Name})
		}
	}
	return g
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toInt64(v any) int64 {
	n, _ := v.(int64)
	return n
}
