package grid

import (
	"context"
	"fmt"
	"strings"
)

// PipelineMapName is the map that backs MapPipeline.
const PipelineMapName = "pipeline-stages"

// MapPipeline implements Pipeline on top of a Storage map so every adapter
// shares the same claim semantics.
type MapPipeline struct {
	stages Map
}

// NewMapPipeline builds a Pipeline backed by the pipeline-stages map of storage.
func NewMapPipeline(storage Storage) *MapPipeline {
	return &MapPipeline{stages: storage.Map(PipelineMapName)}
}

// Begin claims stage when nobody has started it yet.
func (p *MapPipeline) Begin(ctx context.Context, stage string) (bool, error) {
	claimed, err := p.stages.PutIfAbsent(ctx, stage, []byte(StageRunning))
	if err != nil {
		return false, fmt.Errorf("begin stage %s: %w", stage, err)
	}
	return claimed, nil
}

// Complete marks stage as complete.
func (p *MapPipeline) Complete(ctx context.Context, stage string) error {
	if err := p.stages.Put(ctx, stage, []byte(StageComplete)); err != nil {
		return fmt.Errorf("complete stage %s: %w", stage, err)
	}
	return nil
}

// State returns the recorded state of stage.
func (p *MapPipeline) State(ctx context.Context, stage string) (StageState, error) {
	raw, ok, err := p.stages.Get(ctx, stage)
	if err != nil {
		return StageNone, fmt.Errorf("stage %s state: %w", stage, err)
	}
	if !ok {
		return StageNone, nil
	}
	return StageState(raw), nil
}

// Reset deletes every stage with the given prefix.
func (p *MapPipeline) Reset(ctx context.Context, prefix string) error {
	var doomed []string
	err := p.stages.ForEach(ctx, func(key string, _ []byte) bool {
		if strings.HasPrefix(key, prefix) {
			doomed = append(doomed, key)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}
	for _, key := range doomed {
		if _, err := p.stages.Delete(ctx, key); err != nil {
			return fmt.Errorf("reset stage %s: %w", key, err)
		}
	}
	return nil
}
