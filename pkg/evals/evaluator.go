/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package evals

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/traceprism/traceprism/pkg/errors"
	"github.com/traceprism/traceprism/pkg/storage"
)

// Verdict is the outcome of evaluating one trace.
type Verdict struct {
	Value   float64
	Comment string
}

// Evaluator scores a trace against a job configuration. Implementations
// return APIError for upstream model failures so the executor can classify
// them as expected.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, trace *storage.Trace, config *storage.JobConfiguration) (*Verdict, error)
}

// KeywordEvaluator scores 1 when the trace output contains any configured
// keyword, 0 otherwise. Configured via EvaluatorConfig:
//
//	{"keywords": ["refund", "cancel"]}
type KeywordEvaluator struct{}

func (KeywordEvaluator) Name() string { return "keyword" }

func (KeywordEvaluator) Evaluate(_ context.Context, trace *storage.Trace, config *storage.JobConfiguration) (*Verdict, error) {
	var cfg struct {
		Keywords []string `json:"keywords"`
	}
	if len(config.EvaluatorConfig) > 0 {
		if err := json.Unmarshal(config.EvaluatorConfig, &cfg); err != nil {
			return nil, errors.NewConfig("invalid keyword evaluator config for %s: %s", config.ID, err)
		}
	}
	output := strings.ToLower(string(trace.Output))
	for _, keyword := range cfg.Keywords {
		if strings.Contains(output, strings.ToLower(keyword)) {
			return &Verdict{Value: 1, Comment: "matched keyword " + keyword}, nil
		}
	}
	return &Verdict{Value: 0}, nil
}

// CompletionFunc asks an upstream model to grade a trace and returns a score
// in [0, 1].
type CompletionFunc func(ctx context.Context, prompt string) (float64, error)

// ModelEvaluator grades traces with a hosted model. A missing provider
// credential is an expected operational error, not a bug.
type ModelEvaluator struct {
	Provider string
	Complete CompletionFunc
}

func (e ModelEvaluator) Name() string { return "model" }

func (e ModelEvaluator) Evaluate(ctx context.Context, trace *storage.Trace, config *storage.JobConfiguration) (*Verdict, error) {
	if e.Complete == nil {
		return nil, errors.NewAPI("API key for provider %q is not configured", e.Provider)
	}
	var cfg struct {
		Prompt string `json:"prompt"`
	}
	if len(config.EvaluatorConfig) > 0 {
		if err := json.Unmarshal(config.EvaluatorConfig, &cfg); err != nil {
			return nil, errors.NewConfig("invalid model evaluator config for %s: %s", config.ID, err)
		}
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = "Grade the following model output between 0 and 1."
	}
	value, err := e.Complete(ctx, prompt+"\n\n"+string(trace.Output))
	if err != nil {
		return nil, errors.NewAPI("evaluating trace %s with provider %q: %s", trace.ID, e.Provider, err)
	}
	return &Verdict{Value: value}, nil
}
