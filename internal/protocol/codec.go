package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxRawBytes caps how much raw output is kept on a DecodeError.
const maxRawBytes = 4 * 1024

// OverlayDecoder decodes overlay program output.
//
// Exit 0 with the exact NO_FACES sentinel is a valid "nothing found" answer;
// exit 0 with any other bytes is the redrawn image. The image is passed
// through untouched, never decoded. Stderr alone is not fatal: the detector
// libraries write warnings there.
type OverlayDecoder struct{}

func (OverlayDecoder) Decode(out *Output) (OverlayResult, error) {
	if out.ExitCode != 0 {
		return OverlayResult{}, &ExecutionError{ExitCode: out.ExitCode, Stderr: trimStderr(out.Stderr)}
	}
	if out.StdoutTruncated {
		return OverlayResult{}, decodeErr(KindOverlay, "stdout exceeds size cap", out.Stdout, ErrUnexpectedOutput)
	}
	if bytes.Equal(out.Stdout, OverlayNoFaces) {
		return OverlayResult{NoFaces: true}, nil
	}
	if len(out.Stdout) == 0 {
		return OverlayResult{}, decodeErr(KindOverlay, "empty stdout", nil, ErrUnexpectedOutput)
	}
	return OverlayResult{Image: out.Stdout}, nil
}

// SimilarityDecoder decodes similarity program output: one JSON object,
// either {"matches": [...]} or {"error": "..."}. Any stderr output fails the
// job regardless of stdout or exit status.
type SimilarityDecoder struct{}

func (SimilarityDecoder) Decode(out *Output) (SimilarityResult, error) {
	if len(out.Stderr) > 0 {
		return SimilarityResult{}, &ExecutionError{ExitCode: out.ExitCode, Stderr: trimStderr(out.Stderr)}
	}
	if out.StdoutTruncated {
		return SimilarityResult{}, decodeErr(KindSimilarity, "stdout exceeds size cap", out.Stdout, ErrUnexpectedOutput)
	}

	text := bytes.TrimSpace(out.Stdout)
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(text, &envelope); err != nil {
		return SimilarityResult{}, decodeErr(KindSimilarity, "stdout is not a JSON object", out.Stdout,
			fmt.Errorf("%w: %v", ErrUnexpectedOutput, err))
	}

	if raw, ok := envelope["error"]; ok {
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg = string(raw)
		}
		return SimilarityResult{}, &ReportedError{Message: msg}
	}

	raw, ok := envelope["matches"]
	if !ok {
		return SimilarityResult{}, decodeErr(KindSimilarity, "neither matches nor error present", out.Stdout, ErrUnexpectedOutput)
	}
	if err := validateMatches(raw); err != nil {
		return SimilarityResult{}, decodeErr(KindSimilarity, "matches do not fit schema", out.Stdout,
			fmt.Errorf("%w: %v", ErrUnexpectedOutput, err))
	}

	var res SimilarityResult
	if err := json.Unmarshal(raw, &res.Matches); err != nil {
		return SimilarityResult{}, decodeErr(KindSimilarity, "decode matches", out.Stdout,
			fmt.Errorf("%w: %v", ErrUnexpectedOutput, err))
	}
	if res.Matches == nil {
		res.Matches = []Match{}
	}
	return res, nil
}

const matchesSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["path", "similarity"],
    "properties": {
      "path": {"type": "string"},
      "similarity": {"type": "string"}
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func validateMatches(raw json.RawMessage) error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("matches.json", strings.NewReader(matchesSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("matches.json")
	})
	if schemaErr != nil {
		return fmt.Errorf("compile schema: %w", schemaErr)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

func decodeErr(kind, reason string, raw []byte, err error) *DecodeError {
	if len(raw) > maxRawBytes {
		raw = raw[:maxRawBytes]
	}
	return &DecodeError{Kind: kind, Reason: reason, Raw: append([]byte(nil), raw...), Err: err}
}

func trimStderr(b []byte) string {
	return strings.TrimSpace(string(b))
}
