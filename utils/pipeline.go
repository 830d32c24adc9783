package utils

import (
	"context"
	"sync"
)

// WaitForPipeline waits for every stage to close its error channel and returns the first error a stage reported.
// It returns as soon as an error arrives; the caller cancels ctx to stop the remaining stages. A cancelled ctx is
// reported as ctx.Err().
func WaitForPipeline(ctx context.Context, stages ...<-chan error) error {
	for err := range fanIn(ctx, stages) {
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

// fanIn forwards the non-nil errors of all stages to one channel, closed once every stage is done.
func fanIn(ctx context.Context, stages []<-chan error) <-chan error {
	out := make(chan error, len(stages))
	var wg sync.WaitGroup
	for _, stage := range stages {
		wg.Add(1)
		go func(stage <-chan error) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case err, ok := <-stage:
					if !ok {
						return
					}
					if err == nil {
						continue
					}
					select {
					case out <- err:
					case <-ctx.Done():
						return
					}
				}
			}
		}(stage)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// PanicIfErr is for cleanup paths where an error means the process state can no longer be trusted.
func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}
