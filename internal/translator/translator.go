// Package translator converts between the HTTP-facing RunRequest/RunResponse
// and the wire-level ExecuteRequest/ExecuteResponse, grounded on the
// teacher's payload-assembly style for its agent protocol (InitPayload /
// ExecPayload construction in internal/firecracker/vsock.go).
package translator

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/oriys/lambdo/internal/config"
	"github.com/oriys/lambdo/internal/protocol"
	"github.com/oriys/lambdo/internal/vmerrors"
)

// SourceFile is one file in the request's code array.
type SourceFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// RunRequest is the HTTP-facing request body for POST /run.
type RunRequest struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Input    string       `json:"input"`
	Code     []SourceFile `json:"code"`
}

// RunResponse is the HTTP-facing response body.
type RunResponse struct {
	Status int    `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// stdinFilename is the extra file carrying the request's stdin payload.
const stdinFilename = "input.input"

// BuildExecuteRequest assembles the wire request: the incoming source files
// plus the stdin blob, and the language's steps with {{filename}} substituted
// for the entrypoint (the first source file's name).
func BuildExecuteRequest(req RunRequest, lang config.Language) protocol.ExecuteRequest {
	files := make([]protocol.File, 0, len(req.Code)+1)
	for _, f := range req.Code {
		files = append(files, protocol.File{Filename: f.Filename, Content: f.Content})
	}
	files = append(files, protocol.File{Filename: stdinFilename, Content: req.Input})

	entrypoint := ""
	if len(req.Code) > 0 {
		entrypoint = req.Code[0].Filename
	}

	steps := make([]protocol.Step, 0, len(lang.Steps))
	for _, s := range lang.Steps {
		steps = append(steps, protocol.Step{
			Command:      strings.ReplaceAll(s.CommandTemplate, "{{filename}}", entrypoint),
			EnableOutput: s.EmitStdout,
		})
	}

	return protocol.ExecuteRequest{
		ID:    uuid.NewString(),
		Files: files,
		Steps: steps,
	}
}

// BuildRunResponse aggregates an ExecuteResponse into the HTTP-facing shape.
func BuildRunResponse(resp protocol.ExecuteResponse) RunResponse {
	if len(resp.Steps) == 0 {
		return RunResponse{Status: 1, Stdout: "", Stderr: "Nothing was run"}
	}

	var stdout, stderr strings.Builder
	var lastExit int32
	for _, step := range resp.Steps {
		if step.Stdout != "" {
			stdout.WriteString(step.Stdout)
		}
		stderr.WriteString(step.Stderr)
		lastExit = step.ExitCode
	}

	return RunResponse{
		Status: narrowToByte(lastExit),
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
}

// ErrorResponse maps a scheduler-level error to its HTTP-facing shape:
// Timeout gets a distinguished code, everything else is opaque to the caller.
func ErrorResponse(err error) RunResponse {
	if errors.Is(err, vmerrors.ErrTimeout) {
		return RunResponse{Status: 128, Stdout: "", Stderr: "Timeout"}
	}
	return RunResponse{Status: 1, Stdout: "", Stderr: "Internal server error"}
}

// narrowToByte narrows an exit code to an unsigned byte: values outside
// 0..255 do not fit and map to 1 rather than erroring.
func narrowToByte(exitCode int32) int {
	if exitCode < 0 || exitCode > 255 {
		return 1
	}
	return int(exitCode)
}
