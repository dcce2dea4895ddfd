package solver

import (
	"context"

	"github.com/orneryd/dicengine/pkg/dic"
)

// BruteForce scores every candidate of the declared search space once.
type BruteForce struct{}

func (*BruteForce) Kind() Kind { return KindBruteForce }

func (*BruteForce) Solve(ctx context.Context, env *Env, unit *dic.WorkUnit) ([]dic.Result, error) {
	total := len(unit.Subsets)
	done := 0
	env.report(0, total)
	results, err := env.best(ctx, unit, func(n int) {
		done += n
		env.report(done, total)
	})
	if err != nil {
		return results, err
	}
	warnEmpty(env.logger(), results)
	return results, nil
}
