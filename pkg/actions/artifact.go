package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/deckhand/deckhand/pkg/artifact"
	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/iac"
)

// artifactStore returns the configured store, tagged with the workflow
// when it is indexed.
func (d Dependencies) artifactStore(sc *StepContext) (artifact.Store, error) {
	if d.Artifacts == nil {
		return nil, notConfigured(sc, "artifact storage")
	}
	if indexed, ok := d.Artifacts.(*artifact.Indexed); ok {
		return indexed.ForWorkflow(sc.Workflow), nil
	}
	return d.Artifacts, nil
}

// uploadArtifact stores either a file or an infrastructure outputs
// record.
//
//	with:
//	  name: infra-outputs
//	  from-outputs: ${{ steps.output.outputs.json }}
//
// from-outputs takes a JSON object of strings or raw `terraform output
// -json`. Outputs: location, digest, size.
func (d Dependencies) uploadArtifact(ctx context.Context, sc *StepContext) (Outputs, error) {
	store, err := d.artifactStore(sc)
	if err != nil {
		return nil, err
	}
	if err := sc.Require("name"); err != nil {
		return nil, err
	}
	name := sc.Input("name")
	path := sc.Input("path")
	fromOutputs := sc.Input("from-outputs")
	if (path == "") == (fromOutputs == "") {
		return nil, engine.NewPermanentError("exactly one of path and from-outputs is required", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(sc.Step)
	}

	var info *artifact.Info
	if fromOutputs != "" {
		values, err := decodeOutputs(fromOutputs)
		if err != nil {
			return nil, engine.NewPermanentError("from-outputs is not an outputs object", err).
				WithCode(engine.ErrCodeValidation).
				WithResource(sc.Step)
		}
		outputs, err := artifact.FromTerraform(values)
		if err != nil {
			return nil, engine.NewPermanentError("incomplete infrastructure outputs", err).
				WithCode(engine.ErrCodeValidation).
				WithResource(name)
		}
		info, err = artifact.Publish(ctx, store, &artifact.Envelope{
			Name:      name,
			RunID:     sc.RunID,
			Workflow:  sc.Workflow,
			CreatedAt: time.Now().UTC(),
			Outputs:   outputs,
		})
		if err != nil {
			return nil, err
		}
	} else {
		f, err := os.Open(sc.Path(path))
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact file: %w", err)
		}
		defer f.Close()
		if info, err = store.Put(ctx, sc.RunID, name, f); err != nil {
			return nil, err
		}
	}

	sc.Printf("uploaded %s (%d bytes, %s)", name, info.Size, info.Digest)
	return Outputs{
		"location": info.Location,
		"digest":   info.Digest,
		"size":     strconv.FormatInt(info.Size, 10),
	}, nil
}

func decodeOutputs(data string) (map[string]string, error) {
	var flat map[string]string
	if err := json.Unmarshal([]byte(data), &flat); err == nil {
		return flat, nil
	}
	raw, err := iac.ParseOutputs([]byte(data))
	if err != nil {
		return nil, err
	}
	return raw.Strings(), nil
}

// downloadArtifact reads an infrastructure outputs record.
//
//	with:
//	  name: infra-outputs
//	  run-id: ${{ github.event.workflow_run.id }}
//	  path: outputs.json
//
// An empty run-id reads the latest upload. The name must match the one the
// producer used. Outputs: every record key, json and run-id.
func (d Dependencies) downloadArtifact(ctx context.Context, sc *StepContext) (Outputs, error) {
	store, err := d.artifactStore(sc)
	if err != nil {
		return nil, err
	}
	if err := sc.Require("name"); err != nil {
		return nil, err
	}
	name := sc.Input("name")
	runID := sc.Input("run-id")

	if runID == "" {
		if indexed, ok := store.(*artifact.Indexed); ok {
			entry, err := indexed.Resolve(ctx, "", name)
			if err != nil {
				return nil, err
			}
			runID = entry.RunID
		} else {
			return nil, engine.NewPermanentError("run-id is required without an artifact index", nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(sc.Step)
		}
	}

	env, err := artifact.Fetch(ctx, store, runID, name)
	if err != nil {
		return nil, err
	}
	if err := env.Outputs.Validate(); err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("artifact %s is incomplete", name), err).
			WithCode(engine.ErrCodeValidation).
			WithResource(name)
	}

	data, err := json.Marshal(env.Outputs.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to encode outputs: %w", err)
	}

	if path := sc.Input("path"); path != "" {
		target := sc.Path(path)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", target, err)
		}
	}

	outputs := Outputs(env.Outputs.Map())
	outputs["json"] = string(data)
	outputs["run-id"] = runID
	sc.Printf("downloaded %s from run %s", name, runID)
	return outputs, nil
}
