// Generic backend: delegates install to an external action-handler
// binary, passing the action name and environment variables and reading a
// JSON result object back from stdout.
package pkgmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

// Exit codes of the action-handler contract.
const (
	actionExitParseOutput    = 0
	actionExitProceedDefault = 64
	actionExitTreatAsError   = 65
)

// actionResult is the JSON object an action handler prints to stdout.
type actionResult struct {
	Status  string `json:"status"` // "ok", "failed", "need-completion"
	Message string `json:"message"`
}

// GenericManager shells out to Handler for every lifecycle action, passing
// Env as shared variables and per-call extras layered on top.
type GenericManager struct {
	Handler     string
	DownloadDir string
	Env         []string

	current model.Target
}

func (m *GenericManager) Name() string { return "generic" }

func (m *GenericManager) GetCurrent(ctx context.Context) (model.Target, error) {
	return m.current, nil
}

func (m *GenericManager) GetInstalledPackages(ctx context.Context) ([]byte, error) {
	return json.Marshal([]model.Target{m.current})
}

func (m *GenericManager) FetchTarget(ctx context.Context, target model.Target, f fetcher.MetadataFetcher, keys KeySet, progress ProgressFunc, token *flowcontrol.Token) (bool, error) {
	dest := filepath.Join(m.DownloadDir, target.Filename)
	if err := StreamAndVerify(ctx, f, model.RepoImage, target, dest, progress, token); err != nil {
		return false, err
	}
	return true, nil
}

func (m *GenericManager) VerifyTarget(ctx context.Context, target model.Target) (VerifyCode, error) {
	return VerifyFile(filepath.Join(m.DownloadDir, target.Filename), target)
}

// Install runs the action handler with action=install, mapping its exit
// code and stdout through the {0,64,65,other} x {ok,failed,
// need-completion} matrix.
func (m *GenericManager) Install(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	res, err := m.runAction(ctx, "install", map[string]string{
		"IMAGE_PATH": filepath.Join(m.DownloadDir, target.Filename),
		"IMAGE_NAME": target.Filename,
	})
	if err != nil {
		return model.NewResult(model.CodeInstallFailed, err.Error()), nil
	}

	switch res.status {
	case actionExitProceedDefault:
		m.current = target
		return model.NewResult(model.CodeOk, ""), nil
	case actionExitTreatAsError:
		return model.NewResult(model.CodeInstallFailed, res.body.Message), nil
	case actionExitParseOutput:
		return m.resultFromBody(target, res.body), nil
	default:
		return model.NewResult(model.CodeInstallFailed, fmt.Sprintf("generic: action handler exited %d", res.status)), nil
	}
}

func (m *GenericManager) resultFromBody(target model.Target, body actionResult) model.InstallationResult {
	switch body.Status {
	case "ok":
		m.current = target
		return model.NewResult(model.CodeOk, body.Message)
	case "need-completion":
		return model.NewResult(model.CodeNeedCompletion, body.Message)
	case "failed":
		return model.NewResult(model.CodeInstallFailed, body.Message)
	default:
		return model.NewResult(model.CodeInternalError, fmt.Sprintf("generic: unrecognized status %q", body.Status))
	}
}

func (m *GenericManager) FinalizeInstall(ctx context.Context, target model.Target) (model.InstallationResult, error) {
	res, err := m.runAction(ctx, "finalize", map[string]string{"IMAGE_NAME": target.Filename})
	if err != nil {
		return model.NewResult(model.CodeInternalError, err.Error()), nil
	}
	switch res.status {
	case actionExitProceedDefault:
		return model.NewResult(model.CodeOk, ""), nil
	case actionExitTreatAsError:
		return model.NewResult(model.CodeInstallFailed, res.body.Message), nil
	case actionExitParseOutput:
		return m.resultFromBody(target, res.body), nil
	default:
		return model.NewResult(model.CodeInstallFailed, fmt.Sprintf("generic: finalize exited %d", res.status)), nil
	}
}

func (m *GenericManager) CompleteInstall(ctx context.Context) error {
	_, err := m.runAction(ctx, "complete", nil)
	return err
}

func (m *GenericManager) CheckAvailableDiskSpace(ctx context.Context, bytesNeeded int64) (bool, error) {
	var stat diskStat
	if err := statfs(m.DownloadDir, &stat); err != nil {
		return false, err
	}
	return stat.AvailableBytes() >= bytesNeeded, nil
}

type actionRunResult struct {
	status int
	body   actionResult
}

// runAction invokes Handler with the action name and combined environment,
// parsing stdout as JSON when the exit code signals "parse output" (0) or
// when a handler that exits cleanly with 64/65 still printed a body.
func (m *GenericManager) runAction(ctx context.Context, action string, extra map[string]string) (actionRunResult, error) {
	cmd := exec.CommandContext(ctx, m.Handler, action)
	cmd.Env = append(append([]string{}, m.Env...), envPairs(extra)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	status := 0
	if exitErr, ok := asExitError(runErr); ok {
		status = exitErr.ExitCode()
	} else if runErr != nil {
		return actionRunResult{}, fmt.Errorf("generic: run %s %s: %w (stderr: %s)", m.Handler, action, runErr, stderr.String())
	}

	var body actionResult
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &body); err != nil && status == actionExitParseOutput {
			return actionRunResult{}, fmt.Errorf("generic: parse action output: %w", err)
		}
	}
	return actionRunResult{status: status, body: body}, nil
}

func envPairs(extra map[string]string) []string {
	out := make([]string, 0, len(extra))
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

func asExitError(err error) (*exec.ExitError, bool) {
	exitErr, ok := err.(*exec.ExitError)
	return exitErr, ok
}
