package llm

import "context"

// DryRunAdapter answers every request with a fixed, cost-free response. The
// worker uses it when dry_run is set so the full plan/step/ledger machinery
// runs without touching a real provider.
type DryRunAdapter struct{}

func (DryRunAdapter) Name() string { return "dryrun" }

func (DryRunAdapter) Generate(_ context.Context, req Request) (Response, error) {
	return Response{
		Text:      "dry run: no changes",
		TokensIn:  1,
		TokensOut: 1,
	}, nil
}
