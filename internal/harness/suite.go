package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ScenarioNotFoundError is returned when a named scenario path doesn't exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario %q does not exist", e.Path)
}

// SuiteResult summarizes a run over several scenario files.
type SuiteResult struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Failures []SuiteFailure `json:"failures,omitempty"`
}

// SuiteFailure is one scenario that did not pass.
type SuiteFailure struct {
	Scenario string   `json:"scenario"`
	Path     string   `json:"path"`
	Errors   []string `json:"errors"`
}

// Discover expands paths into scenario files. A directory contributes every
// .yaml and .yml file directly inside it, sorted by name.
func Discover(paths ...string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			return nil, &ScenarioNotFoundError{Path: p}
		}
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				found = append(found, filepath.Join(p, e.Name()))
			}
		}
		slices.Sort(found)
		files = append(files, found...)
	}
	return files, nil
}

// RunSuite loads and runs every scenario under paths. A scenario that fails
// to load or run counts as failed; the suite carries on with the rest.
func RunSuite(ctx context.Context, paths ...string) (*SuiteResult, error) {
	files, err := Discover(paths...)
	if err != nil {
		return nil, err
	}

	result := &SuiteResult{}
	for _, path := range files {
		result.Total++
		scenario, err := LoadScenario(path)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, SuiteFailure{
				Path:   path,
				Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
			})
			continue
		}

		run, err := Run(ctx, scenario)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, SuiteFailure{
				Scenario: scenario.Name,
				Path:     path,
				Errors:   []string{fmt.Sprintf("scenario execution failed: %v", err)},
			})
			continue
		}
		if !run.Pass {
			result.Failed++
			result.Failures = append(result.Failures, SuiteFailure{
				Scenario: scenario.Name,
				Path:     path,
				Errors:   run.Errors,
			})
			continue
		}
		result.Passed++
	}
	return result, nil
}
