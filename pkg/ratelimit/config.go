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

package ratelimit

import (
	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/traceprism/traceprism/pkg/auth"
	"github.com/traceprism/traceprism/pkg/errors"
)

// Resource enumerates the closed set of rate-limited API surfaces.
type Resource string

const (
	ResourceIngestion        Resource = "ingestion"
	ResourcePrompts          Resource = "prompts"
	ResourcePublicAPI        Resource = "public-api"
	ResourcePublicAPIMetrics Resource = "public-api-metrics"
)

// Budget is the admission budget for one resource: Points requests per
// DurationSeconds window. A nil field means unlimited.
type Budget struct {
	Points          *int `mapstructure:"points" yaml:"points"`
	DurationSeconds *int `mapstructure:"duration_seconds" yaml:"duration_seconds"`
}

// Unlimited reports whether the budget disables limiting.
func (b Budget) Unlimited() bool {
	return b.Points == nil || b.DurationSeconds == nil
}

// PlanLimits holds the budgets of one plan group.
type PlanLimits map[Resource]Budget

const (
	planGroupDefault = "default"
	planGroupTeam    = "team"
)

// planGroups collapses billing plans into shared limit configurations.
var planGroups = map[string]string{
	auth.PlanDefault:            planGroupDefault,
	auth.PlanCloudHobby:         planGroupDefault,
	auth.PlanCloudPro:           planGroupDefault,
	auth.PlanCloudTeam:          planGroupTeam,
	auth.PlanSelfHostEnterprise: planGroupTeam,
}

// DefaultPlans returns the compiled-in plan-group budgets.
func DefaultPlans() map[string]PlanLimits {
	return map[string]PlanLimits{
		planGroupDefault: {
			ResourceIngestion:        {Points: lo.ToPtr(100), DurationSeconds: lo.ToPtr(60)},
			ResourcePublicAPI:        {Points: lo.ToPtr(1000), DurationSeconds: lo.ToPtr(60)},
			ResourcePublicAPIMetrics: {Points: lo.ToPtr(10), DurationSeconds: lo.ToPtr(60)},
			ResourcePrompts:          {},
		},
		planGroupTeam: {
			ResourceIngestion:        {Points: lo.ToPtr(5000), DurationSeconds: lo.ToPtr(60)},
			ResourcePublicAPI:        {Points: lo.ToPtr(5000), DurationSeconds: lo.ToPtr(60)},
			ResourcePublicAPIMetrics: {Points: lo.ToPtr(100), DurationSeconds: lo.ToPtr(60)},
			ResourcePrompts:          {},
		},
	}
}

// LoadPlans merges a YAML plan file over the compiled-in defaults. An empty
// path returns the defaults unchanged.
//
// File shape:
//
//	plans:
//	  default:
//	    ingestion: {points: 100, duration_seconds: 60}
func LoadPlans(path string) (map[string]PlanLimits, error) {
	plans := DefaultPlans()
	if path == "" {
		return plans, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.NewConfig("reading rate-limit plan file %s: %s", path, err)
	}
	var file struct {
		Plans map[string]map[string]Budget `mapstructure:"plans"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, errors.NewConfig("parsing rate-limit plan file %s: %s", path, err)
	}
	for group, budgets := range file.Plans {
		if _, ok := plans[group]; !ok {
			plans[group] = PlanLimits{}
		}
		for resource, budget := range budgets {
			plans[group][Resource(resource)] = budget
		}
	}
	return plans, nil
}

// resolvePlanGroup maps a billing plan onto its limit group.
func resolvePlanGroup(plan string) (string, error) {
	group, ok := planGroups[plan]
	if !ok {
		return "", errors.NewConfig("no rate-limit plan group for plan %q", plan)
	}
	return group, nil
}
