// Package doctor runs startup-independent diagnostic checks and reports
// them in a form the CLI can print or emit as JSON.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/orchard/lifemap/internal/config"
	"github.com/orchard/lifemap/internal/cron"
	"github.com/orchard/lifemap/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // PASS, WARN, FAIL, SKIP
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type SystemInfo struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
	Go   string `json:"go"`
}

type Diagnostics struct {
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Run executes all checks. It never returns an error; failures surface as
// FAIL results.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnostics {
	diag := Diagnostics{
		Timestamp: time.Now().UTC(),
		Version:   version,
		System: SystemInfo{
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
			Go:   runtime.Version(),
		},
	}

	diag.Results = append(diag.Results, checkHomeDir(cfg))
	diag.Results = append(diag.Results, checkSweepSpec(cfg))
	diag.Results = append(diag.Results, checkAPIKey(cfg))
	diag.Results = append(diag.Results, checkDatabase(ctx, cfg)...)

	return diag
}

func checkHomeDir(cfg *config.Config) CheckResult {
	probe := filepath.Join(cfg.HomeDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name:    "home_dir",
			Status:  "FAIL",
			Message: "home directory is not writable",
			Detail:  err.Error(),
		}
	}
	_ = os.Remove(probe)
	return CheckResult{
		Name:    "home_dir",
		Status:  "PASS",
		Message: cfg.HomeDir,
	}
}

func checkSweepSpec(cfg *config.Config) CheckResult {
	next, err := cron.NextRunTime(cfg.SweepSpec, time.Now())
	if err != nil {
		return CheckResult{
			Name:    "sweep_spec",
			Status:  "FAIL",
			Message: fmt.Sprintf("invalid cron expression %q", cfg.SweepSpec),
			Detail:  err.Error(),
		}
	}
	return CheckResult{
		Name:    "sweep_spec",
		Status:  "PASS",
		Message: fmt.Sprintf("%q, next run %s", cfg.SweepSpec, next.Format(time.RFC3339)),
	}
}

func checkAPIKey(cfg *config.Config) CheckResult {
	if cfg.LLM.APIKey == "" {
		return CheckResult{
			Name:    "api_key",
			Status:  "WARN",
			Message: "GEMINI_API_KEY not set; interview runs with deterministic fallbacks",
		}
	}
	return CheckResult{
		Name:    "api_key",
		Status:  "PASS",
		Message: fmt.Sprintf("configured for provider %s, model %s", cfg.LLM.Provider, cfg.LLM.Model),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) []CheckResult {
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return []CheckResult{{
			Name:    "database",
			Status:  "FAIL",
			Message: "cannot open database",
			Detail:  err.Error(),
		}}
	}
	defer store.Close()

	results := []CheckResult{{
		Name:    "database",
		Status:  "PASS",
		Message: cfg.DBPath,
	}}

	counts, err := store.CountTasksByStatus(ctx)
	if err != nil {
		results = append(results, CheckResult{
			Name:    "task_queue",
			Status:  "FAIL",
			Message: "cannot inspect extraction queue",
			Detail:  err.Error(),
		})
		return results
	}
	results = append(results, CheckResult{
		Name:   "task_queue",
		Status: "PASS",
		Message: fmt.Sprintf("pending=%d processing=%d completed=%d failed=%d",
			counts[persistence.TaskStatusPending],
			counts[persistence.TaskStatusProcessing],
			counts[persistence.TaskStatusCompleted],
			counts[persistence.TaskStatusFailed],
		),
	})

	dead, err := store.ListDeadLetters(ctx, cfg.Extraction.MaxRetries)
	if err == nil && len(dead) > 0 {
		results = append(results, CheckResult{
			Name:    "dead_letters",
			Status:  "WARN",
			Message: fmt.Sprintf("%d tasks exhausted their retries", len(dead)),
			Detail:  "inspect leaf_extraction_queue and requeue manually if the cause is fixed",
		})
	}
	return results
}
