package coop_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-coop"
)

func ExampleRunUntilComplete() {
	s, err := coop.New()
	if err != nil {
		panic(err)
	}
	defer s.Close()

	v, err := coop.RunUntilComplete(context.Background(), s, coop.Thunk(func(ctx context.Context) (string, error) {
		if err := coop.Sleep(ctx, time.Millisecond); err != nil {
			return "", err
		}
		return "hello", nil
	}))
	fmt.Println(v, err)

	// output:
	// hello <nil>
}

func ExampleGather() {
	s, err := coop.New()
	if err != nil {
		panic(err)
	}
	defer s.Close()

	square := func(n int) func(ctx context.Context) (int, error) {
		return func(ctx context.Context) (int, error) {
			// finish in reverse order
			if err := coop.Sleep(ctx, time.Duration(10-n)*time.Millisecond); err != nil {
				return 0, err
			}
			return n * n, nil
		}
	}

	values, err := coop.RunUntilComplete(context.Background(), s, coop.Thunk(func(ctx context.Context) ([]int, error) {
		return coop.Gather(ctx,
			coop.Spawn(s, square(1)),
			coop.Spawn(s, square(2)),
			coop.Spawn(s, square(3)),
		)
	}))
	fmt.Println(values, err)

	// output:
	// [1 4 9] <nil>
}

func ExampleMutex() {
	s, err := coop.New()
	if err != nil {
		panic(err)
	}
	defer s.Close()

	m := coop.NewMutex(s)

	worker := func(name string) func(ctx context.Context) (struct{}, error) {
		return func(ctx context.Context) (struct{}, error) {
			if err := m.Acquire(ctx); err != nil {
				return struct{}{}, err
			}
			fmt.Println(name, "acquired")
			err := coop.Yield(ctx)
			fmt.Println(name, "releasing")
			if err := m.Release(ctx); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, err
		}
	}

	_, err = coop.RunUntilComplete(context.Background(), s, coop.Thunk(func(ctx context.Context) ([]struct{}, error) {
		return coop.Gather(ctx, coop.Spawn(s, worker("a")), coop.Spawn(s, worker("b")))
	}))
	fmt.Println(err)

	// output:
	// a acquired
	// a releasing
	// b acquired
	// b releasing
	// <nil>
}

func ExampleWaitFor() {
	s, err := coop.New()
	if err != nil {
		panic(err)
	}
	defer s.Close()

	_, err = coop.RunUntilComplete(context.Background(), s, coop.Thunk(func(ctx context.Context) (int, error) {
		slow := coop.Spawn(s, func(ctx context.Context) (int, error) {
			return 1, coop.Sleep(ctx, time.Hour)
		})
		v, err := coop.WaitFor(ctx, slow, 5*time.Millisecond)
		fmt.Println(slow.State())
		return v, err
	}))
	fmt.Println(errors.Is(err, coop.ErrTimeout))

	// output:
	// Cancelled
	// true
}
