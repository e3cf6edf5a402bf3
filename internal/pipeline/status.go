package pipeline

import (
	"github.com/e7canasta/hdr-capture/internal/cadence"
	"github.com/e7canasta/hdr-capture/internal/capture"
	"github.com/e7canasta/hdr-capture/internal/gpu"
	"github.com/e7canasta/hdr-capture/internal/recording"
)

// PreviewStatus describes the attached preview surface.
type PreviewStatus struct {
	ID     string `json:"id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Status is a point-in-time snapshot of the whole pipeline.
type Status struct {
	State       string                `json:"state"`
	Error       string                `json:"error,omitempty"`
	Generations uint64                `json:"generations"`
	Iterations  uint64                `json:"iterations"`
	Recoveries  uint64                `json:"recoveries"`
	Preview     *PreviewStatus        `json:"preview,omitempty"`
	Capture     capture.ManagerStats  `json:"capture"`
	Recording   recording.Stats       `json:"recording"`
	GPU         gpu.ContextStats      `json:"gpu"`
	Loops       []gpu.RenderLoopStats `json:"loops"`
	Bridges     []gpu.BridgeStats     `json:"bridges"`
	Cadence     CadenceStatus         `json:"cadence"`
}

// CadenceStatus reports presentation cadence per sink kind.
type CadenceStatus struct {
	Preview cadence.Stats `json:"preview"`
	Record  cadence.Stats `json:"record"`
}

// Status returns a snapshot.
func (p *Pipeline) Status() Status {
	s := Status{
		State:       p.state.Load().String(),
		Generations: p.generations.Load(),
		Iterations:  p.iterations.Load(),
		Recoveries:  p.recoveries.Load(),
		Capture:     p.manager.Stats(),
		Recording:   p.recorder.Stats(),
		GPU:         p.gl.Stats(),
		Cadence: CadenceStatus{
			Preview: p.previewCadence.Snapshot(),
			Record:  p.recordCadence.Snapshot(),
		},
	}

	if surface := p.preview.Load(); surface != nil {
		s.Preview = &PreviewStatus{
			ID:     surface.ID(),
			Width:  surface.Size().Width,
			Height: surface.Size().Height,
		}
	}

	p.mu.Lock()
	if p.lastErr != nil {
		s.Error = p.lastErr.Error()
	}
	for _, l := range p.loops {
		s.Loops = append(s.Loops, l.Stats())
	}
	for _, b := range p.bindings {
		s.Bridges = append(s.Bridges, b.Bridge().Stats())
	}
	p.mu.Unlock()

	return s
}

// Ready reports whether the pipeline is streaming to its sinks.
func (p *Pipeline) Ready() bool {
	return p.state.Load() == StateRunning && p.manager.State() == capture.StateStreaming
}
