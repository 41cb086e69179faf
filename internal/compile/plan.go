package compile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"buildd/internal/compiler"
	"buildd/internal/fingerprint"
	"buildd/internal/project"
	"buildd/internal/project/dag"
	"buildd/internal/trace"
)

// planNode is the memo entry of one project within a plan.
type planNode struct {
	project *project.Project
	fp      fingerprint.Fingerprint
	result  Result
	settled bool
}

// plan is the arena of one request over one build generation: nodes are
// indexed by dag.ProjectID and each dependency is settled once.
type plan struct {
	generation uint64
	index      dag.ProjectIndex

	mu    sync.Mutex
	nodes []planNode
}

func newPlan(generation uint64, idx dag.ProjectIndex, projects []*project.Project) *plan {
	p := &plan{
		generation: generation,
		index:      idx,
		nodes:      make([]planNode, len(idx.IDToName)),
	}
	for _, proj := range projects {
		if id, ok := idx.NameToID[proj.Name]; ok {
			p.nodes[id].project = proj
		}
	}
	return p
}

func (p *plan) node(id dag.ProjectID) planNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes[id]
}

func (p *plan) settle(id dag.ProjectID, res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[id].fp = res.Fingerprint
	p.nodes[id].result = res
	p.nodes[id].settled = true
}

func (s *Scheduler) resolve(ctx context.Context, name string, opts CompileOptions) (*Unit, error) {
	phase := opts.Timer.Begin("plan")
	projects, generation := s.ws.Snapshot()
	idx := dag.BuildIndex(projects)
	g, err := dag.BuildGraph(idx, projects)
	if err != nil {
		opts.Timer.End(phase, "invalid graph")
		return nil, err
	}
	root, ok := idx.NameToID[name]
	if !ok {
		opts.Timer.End(phase, "")
		return nil, fmt.Errorf("%w %q", ErrUnknownProject, name)
	}
	topo := dag.ToposortKahn(g, dag.Closure(g, root))
	if topo.Cyclic {
		opts.Timer.End(phase, "cycle")
		members := make([]string, 0, len(topo.Cycles))
		for _, id := range topo.Cycles {
			members = append(members, idx.Name(id))
		}
		return nil, &CycleError{Project: name, Members: members}
	}
	opts.Timer.End(phase, fmt.Sprintf("%d projects, %d batches", len(topo.Order), len(topo.Batches)))

	p := newPlan(generation, idx, projects)
	progress := serializeProgress(opts.Progress)

	for i, batch := range topo.Batches {
		deps := make([]dag.ProjectID, 0, len(batch))
		for _, id := range batch {
			if id != root {
				deps = append(deps, id)
			}
		}
		if len(deps) == 0 {
			continue
		}
		bphase := opts.Timer.Begin(fmt.Sprintf("batch %d", i))
		eg, egctx := errgroup.WithContext(ctx)
		for _, id := range deps {
			eg.Go(func() error {
				return s.settleDependency(egctx, p, id, progress)
			})
		}
		err := eg.Wait()
		opts.Timer.End(bphase, fmt.Sprintf("%d projects", len(deps)))
		if err != nil {
			return nil, err
		}
	}

	rphase := opts.Timer.Begin(name)
	defer opts.Timer.End(rphase, "attached")
	return s.acquire(ctx, p, root)
}

// settleDependency attaches to the dependency's unit and waits for its
// terminal state, forwarding its events.
func (s *Scheduler) settleDependency(ctx context.Context, p *plan, id dag.ProjectID, progress func(Event)) error {
	u, err := s.acquire(ctx, p, id)
	if err != nil {
		return err
	}
	sub := u.Subscribe()
	defer sub.Close()
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.table.Detach(u, true)
			return err
		}
		progress(ev)
	}
	select {
	case <-u.Done():
	case <-ctx.Done():
		s.table.Detach(u, true)
		return ctx.Err()
	}
	s.table.Detach(u, false)
	res, _ := u.Result()
	p.settle(id, res)
	return nil
}

// acquire snapshots the project, computes its fingerprint from settled
// dependencies and gets or joins the unit for it.
func (s *Scheduler) acquire(ctx context.Context, p *plan, id dag.ProjectID) (*Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node := p.node(id)
	proj := node.project
	sources, err := project.ReadSources(proj, s.read)
	if err != nil {
		return nil, err
	}

	deps := make([]fingerprint.Dependency, 0, len(proj.Dependencies))
	classpath := make([]compiler.Dependency, 0, len(proj.Dependencies))
	failedDep := ""
	for _, depName := range proj.Dependencies {
		dn := p.node(p.index.NameToID[depName])
		deps = append(deps, fingerprint.Dependency{
			Name:        depName,
			Fingerprint: dn.fp,
			Status:      dn.result.Status.String(),
			Terminal:    dn.settled && dn.result.Status.IsTerminal(),
		})
		classpath = append(classpath, compiler.Dependency{
			Name:      depName,
			Succeeded: dn.result.Succeeded(),
			Artifacts: dn.result.Artifacts,
		})
		if !dn.result.Succeeded() && failedDep == "" {
			failedDep = depName
		}
	}

	fp, err := fingerprint.Compute(fingerprint.Input{Project: proj, Sources: sources, Dependencies: deps})
	if err != nil {
		var inconsistent *fingerprint.InconsistentError
		if errors.As(err, &inconsistent) {
			s.log.Error("refusing stale fingerprint", "project", proj.Name, "dependency", inconsistent.Dependency)
		}
		return nil, err
	}

	u, created := s.table.AcquireOrAttach(fp, func() *Unit {
		j := &job{
			project:      proj,
			sources:      sources,
			dependencies: classpath,
			failedDep:    failedDep,
		}
		j.previous, j.hasPrevious = s.state.LastSuccess(proj.Name)
		params := unitParams{
			fingerprint:        fp,
			project:            proj.Name,
			generation:         p.generation,
			cancelOnLastDetach: s.policy.CancelOnLastDetach,
			run:                s.work(j),
			persist:            func(st LastState) { s.persist(proj.Name, st) },
			terminal:           s.unitTerminal,
			tracer:             trace.FromContext(ctx),
			parentSpan:         trace.SpanFrom(ctx),
		}
		if j.hasPrevious {
			params.previous = j.previous.Result.Artifacts
		}
		u := newUnit(s.ctx, params)
		s.counters.created.Add(1)
		s.mu.Lock()
		s.latest[proj.Name] = u
		s.mu.Unlock()
		return u
	})
	if created {
		s.log.Debug("unit created", "project", proj.Name, "unit", u.ID(), "fingerprint", fp.Short())
	} else {
		s.counters.attaches.Add(1)
		s.log.Debug("attached to running unit", "project", proj.Name, "unit", u.ID(), "fingerprint", fp.Short())
	}
	return u, nil
}

func serializeProgress(fn func(Event)) func(Event) {
	if fn == nil {
		return func(Event) {}
	}
	var mu sync.Mutex
	return func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		fn(ev)
	}
}
