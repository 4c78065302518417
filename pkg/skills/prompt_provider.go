package skills

import (
	"context"

	"github.com/sipeed/beacon/pkg/storage"
)

// PromptProvider satisfies contextbuilder.SkillSummaryProvider: it resolves
// a user's enabled skills and renders the always_include, eligible subset
// as the system prompt's skills block, matching the teacher's convention of
// a single small adapter type bridging a storage-backed lister into a
// narrower consumer-defined interface.
type PromptProvider struct {
	repo           *storage.SkillRepo
	env            HostEnv
	configResolved func(path string) bool
}

// NewPromptProvider builds a PromptProvider. configResolved may be nil, in
// which case requires_config never gates eligibility.
func NewPromptProvider(repo *storage.SkillRepo, env HostEnv, configResolved func(path string) bool) *PromptProvider {
	return &PromptProvider{repo: repo, env: env, configResolved: configResolved}
}

// AlwaysIncludeSummary lists userID's enabled skills and renders the
// eligible, always_include subset via PromptInjection.
func (p *PromptProvider) AlwaysIncludeSummary(ctx context.Context, userID string) (string, error) {
	enabled, err := p.repo.ListEnabledForUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return PromptInjection(enabled, p.env, p.configResolved), nil
}
